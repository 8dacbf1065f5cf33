package phase

import (
	"fmt"
)

// Roles recognized by the phase authorization checks.
const (
	RoleAdmin         = "admin"
	RoleTestExecutive = "test_executive"
	RoleTester        = "tester"
	RoleReportOwner   = "report_owner"
	RoleDataOwner     = "data_owner"
)

// Progress carries the per-report business counters the completion
// predicates evaluate. The CRUD layer owns these numbers; the orchestrator
// only reads a snapshot.
type Progress struct {
	AttributesTotal       int `json:"attributes_total"`
	AttributesScoped      int `json:"attributes_scoped"`
	ProfilingRules        int `json:"profiling_rules"`
	SamplesTotal          int `json:"samples_total"`
	SamplesTaggedToLOB    int `json:"samples_tagged_to_lob"`
	DataProvidersRequired int `json:"data_providers_required"`
	DataProvidersAssigned int `json:"data_providers_assigned"`
	RequestsTotal         int `json:"requests_total"`
	RequestsAnswered      int `json:"requests_answered"`
	TestsTotal            int `json:"tests_total"`
	TestsExecuted         int `json:"tests_executed"`
	ObservationsOpen      int `json:"observations_open"`
	ReportSectionsDrafted int `json:"report_sections_drafted"`
}

// requestResponseFloor is the minimum answered/total ratio for the Request
// Info phase to complete.
const requestResponseFloor = 0.8

// Handler is the lifecycle contract for a single phase: who may start it
// and when it is allowed to complete. One implementation per phase,
// registered by name at startup.
type Handler interface {
	Name() string
	// CanStart reports whether the given role is allowed to start or
	// complete the phase.
	CanStart(role string) bool
	// CompletionCheck returns nil when the phase's completion criteria are
	// met, or a human-readable reason they are not.
	CompletionCheck(p Progress) error
}

// Registry maps phase names to handlers. Built once at startup.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns a registry populated with the nine reference phases.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(canonicalOrder))}
	for _, h := range []Handler{
		planningHandler{},
		dataProfilingHandler{},
		scopingHandler{},
		sampleSelectionHandler{},
		dataProviderHandler{},
		requestInfoHandler{},
		testingHandler{},
		observationsHandler{},
		finalizeReportHandler{},
	} {
		r.handlers[h.Name()] = h
	}
	return r
}

// Handler returns the handler registered under name.
func (r *Registry) Handler(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// roleIn reports whether role is one of allowed. Admins pass everywhere.
func roleIn(role string, allowed ...string) bool {
	if role == RoleAdmin {
		return true
	}
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

type planningHandler struct{}

func (planningHandler) Name() string { return Planning }
func (planningHandler) CanStart(role string) bool {
	return roleIn(role, RoleTester, RoleTestExecutive)
}
func (planningHandler) CompletionCheck(p Progress) error {
	if p.AttributesTotal == 0 {
		return fmt.Errorf("planning requires at least one attribute in the test plan")
	}
	return nil
}

type dataProfilingHandler struct{}

func (dataProfilingHandler) Name() string { return DataProfiling }
func (dataProfilingHandler) CanStart(role string) bool {
	return roleIn(role, RoleTester, RoleTestExecutive)
}
func (dataProfilingHandler) CompletionCheck(p Progress) error {
	if p.ProfilingRules == 0 {
		return fmt.Errorf("data profiling requires at least one approved profiling rule")
	}
	return nil
}

type scopingHandler struct{}

func (scopingHandler) Name() string { return Scoping }
func (scopingHandler) CanStart(role string) bool {
	return roleIn(role, RoleTester, RoleTestExecutive)
}
func (scopingHandler) CompletionCheck(p Progress) error {
	if p.AttributesScoped == 0 {
		return fmt.Errorf("scoping requires at least one attribute scoped into testing")
	}
	return nil
}

type sampleSelectionHandler struct{}

func (sampleSelectionHandler) Name() string { return SampleSelection }
func (sampleSelectionHandler) CanStart(role string) bool {
	return roleIn(role, RoleTester, RoleTestExecutive)
}
func (sampleSelectionHandler) CompletionCheck(p Progress) error {
	if p.SamplesTotal == 0 {
		return fmt.Errorf("sample selection requires at least one sample")
	}
	if p.SamplesTaggedToLOB < p.SamplesTotal {
		return fmt.Errorf("sample selection requires every sample tagged to a line of business (%d of %d tagged)",
			p.SamplesTaggedToLOB, p.SamplesTotal)
	}
	return nil
}

type dataProviderHandler struct{}

func (dataProviderHandler) Name() string { return DataProviderID }
func (dataProviderHandler) CanStart(role string) bool {
	return roleIn(role, RoleTester, RoleTestExecutive, RoleDataOwner)
}
func (dataProviderHandler) CompletionCheck(p Progress) error {
	if p.DataProvidersAssigned < p.DataProvidersRequired {
		return fmt.Errorf("data provider identification requires an owner for every line of business (%d of %d assigned)",
			p.DataProvidersAssigned, p.DataProvidersRequired)
	}
	return nil
}

type requestInfoHandler struct{}

func (requestInfoHandler) Name() string { return RequestInfo }
func (requestInfoHandler) CanStart(role string) bool {
	return roleIn(role, RoleTester, RoleTestExecutive, RoleDataOwner)
}
func (requestInfoHandler) CompletionCheck(p Progress) error {
	if p.RequestsTotal == 0 {
		return fmt.Errorf("request info requires at least one information request")
	}
	rate := float64(p.RequestsAnswered) / float64(p.RequestsTotal)
	if rate < requestResponseFloor {
		return fmt.Errorf("request info requires a %.0f%% response rate (currently %.0f%%)",
			requestResponseFloor*100, rate*100)
	}
	return nil
}

type testingHandler struct{}

func (testingHandler) Name() string { return Testing }
func (testingHandler) CanStart(role string) bool {
	return roleIn(role, RoleTester, RoleTestExecutive)
}
func (testingHandler) CompletionCheck(p Progress) error {
	if p.TestsTotal == 0 {
		return fmt.Errorf("testing requires at least one test case")
	}
	if p.TestsExecuted < p.TestsTotal {
		return fmt.Errorf("testing requires every test executed (%d of %d executed)", p.TestsExecuted, p.TestsTotal)
	}
	return nil
}

type observationsHandler struct{}

func (observationsHandler) Name() string { return Observations }
func (observationsHandler) CanStart(role string) bool {
	return roleIn(role, RoleTester, RoleTestExecutive, RoleReportOwner)
}
func (observationsHandler) CompletionCheck(p Progress) error {
	if p.ObservationsOpen > 0 {
		return fmt.Errorf("observations requires every observation resolved or approved (%d still open)", p.ObservationsOpen)
	}
	return nil
}

type finalizeReportHandler struct{}

func (finalizeReportHandler) Name() string { return FinalizeTestReport }
func (finalizeReportHandler) CanStart(role string) bool {
	return roleIn(role, RoleTestExecutive, RoleReportOwner)
}
func (finalizeReportHandler) CompletionCheck(p Progress) error {
	if p.ReportSectionsDrafted == 0 {
		return fmt.Errorf("finalize test report requires at least one drafted report section")
	}
	return nil
}
