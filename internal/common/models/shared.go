package models

import (
	"fmt"
	"strings"
)

type ContextKey string

const (
	SchoolIDKey ContextKey = "school_id"
)

// Module is the collection-level name of an integrated entity ("students").
type Module string

const (
	ModuleStudents    Module = "students"
	ModuleCourses     Module = "courses"
	ModuleEnrollments Module = "enrollments"
	ModuleLeads       Module = "leads"
)

var AllModules = []Module{ModuleStudents, ModuleCourses, ModuleEnrollments, ModuleLeads}

// EntityType is the singular name of an integrated entity ("student").
type EntityType string

const (
	EntityStudent    EntityType = "student"
	EntityCourse     EntityType = "course"
	EntityEnrollment EntityType = "enrollment"
	EntityLead       EntityType = "lead"
)

var moduleEntities = map[Module]EntityType{
	ModuleStudents:    EntityStudent,
	ModuleCourses:     EntityCourse,
	ModuleEnrollments: EntityEnrollment,
	ModuleLeads:       EntityLead,
}

func (m Module) Valid() bool {
	_, ok := moduleEntities[m]
	return ok
}

func (m Module) EntityType() EntityType {
	return moduleEntities[m]
}

func (e EntityType) Module() Module {
	for m, et := range moduleEntities {
		if et == e {
			return m
		}
	}
	return ""
}

// ParseModule accepts either the module name or its entity type.
func ParseModule(s string) (Module, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if m := Module(v); m.Valid() {
		return m, nil
	}
	if m := EntityType(v).Module(); m != "" {
		return m, nil
	}
	return "", fmt.Errorf("unknown module %q", s)
}

// Operation is the kind of work a sync task performs.
type Operation string

const (
	OperationImport Operation = "import"
	OperationExport Operation = "export"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationImport, OperationExport, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

func ParseOperation(s string) (Operation, error) {
	o := Operation(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return o, nil
}

// Direction is the data flow of a mapping application or a sync run.
type Direction string

const (
	// Outbound converts internal records into the external representation.
	Outbound Direction = "outbound"
	// Inbound converts external records into the internal representation.
	Inbound Direction = "inbound"
)

func (o Operation) Direction() Direction {
	if o == OperationImport {
		return Inbound
	}
	return Outbound
}

// ParseDirection accepts "import"/"inbound" and "export"/"outbound".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "import", "inbound":
		return Inbound, nil
	case "export", "outbound":
		return Outbound, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}
