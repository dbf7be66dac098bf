package types

// FieldType is a jobspec datatype. The order of the constants matters for
// nothing; restrictiveness comparisons live in the p4 package.
type FieldType string

const (
	TypeWord   FieldType = "word"
	TypeText   FieldType = "text"
	TypeLine   FieldType = "line"
	TypeSelect FieldType = "select"
	TypeDate   FieldType = "date"
)

// Persistence is a jobspec field persistence class.
type Persistence string

const (
	PersistOptional Persistence = "optional"
	PersistDefault  Persistence = "default"
	PersistRequired Persistence = "required"
	PersistOnce     Persistence = "once"
	PersistAlways   Persistence = "always"
)

// JobField is one field descriptor in a jobspec.
type JobField struct {
	Code        int
	Name        string
	Type        FieldType
	Length      int
	Persistence Persistence
	Preset      string
	Values      []string // for select fields
}

// Jobspec is the ordered schema of the job store.
type Jobspec struct {
	Comment string
	Fields  []JobField
}

// Field returns the descriptor with the given name, or nil.
func (s *Jobspec) Field(name string) *JobField {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// HasField reports whether the jobspec declares the named field.
func (s *Jobspec) HasField(name string) bool {
	return s.Field(name) != nil
}

// Codes returns the set of field codes in use.
func (s *Jobspec) Codes() map[int]bool {
	codes := make(map[int]bool, len(s.Fields))
	for i := range s.Fields {
		codes[s.Fields[i].Code] = true
	}
	return codes
}
