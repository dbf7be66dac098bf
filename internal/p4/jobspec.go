package p4

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/p4dti/p4dti/internal/types"
)

// Field codes 101-105 are fixed by the server. Codes added for the
// replicator count down from 194 so they never collide with fields a
// site has added counting up from 106.
const (
	firstUserCode  = 106
	lastUserCode   = 190
	lastP4DTICode  = 194
	firstP4DTICode = 191
)

// Jobspec fetches and parses the server's job specification.
func (a *Adapter) Jobspec(ctx context.Context) (*types.Jobspec, error) {
	recs, err := a.Runner.Run(ctx, []string{"jobspec", "-o"}, "")
	if err != nil {
		return nil, err
	}
	if len(recs) != 1 {
		return nil, fmt.Errorf("jobspec -o returned %d records", len(recs))
	}
	return jobspecFromRecord(recs[0])
}

func jobspecFromRecord(r Record) (*types.Jobspec, error) {
	spec := &types.Jobspec{Comment: r["Comments"]}
	for i := 0; ; i++ {
		line, ok := r["Fields"+strconv.Itoa(i)]
		if !ok {
			break
		}
		parts := strings.Fields(line)
		if len(parts) != 5 {
			return nil, fmt.Errorf("malformed jobspec field %q", line)
		}
		code, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed jobspec field code in %q", line)
		}
		length, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("malformed jobspec field length in %q", line)
		}
		ft, err := parseFieldType(parts[2])
		if err != nil {
			return nil, err
		}
		p, err := parsePersistence(parts[4])
		if err != nil {
			return nil, err
		}
		spec.Fields = append(spec.Fields, types.JobField{
			Code:        code,
			Name:        parts[1],
			Type:        ft,
			Length:      length,
			Persistence: p,
		})
	}
	for i := 0; ; i++ {
		line, ok := r["Values"+strconv.Itoa(i)]
		if !ok {
			break
		}
		name, rest, found := strings.Cut(line, " ")
		if !found {
			return nil, fmt.Errorf("malformed jobspec values %q", line)
		}
		f := spec.Field(name)
		if f == nil {
			return nil, fmt.Errorf("jobspec values for unknown field %q", name)
		}
		f.Values = strings.Split(rest, "/")
	}
	for i := 0; ; i++ {
		line, ok := r["Presets"+strconv.Itoa(i)]
		if !ok {
			break
		}
		name, rest, found := strings.Cut(line, " ")
		if !found {
			return nil, fmt.Errorf("malformed jobspec preset %q", line)
		}
		f := spec.Field(name)
		if f == nil {
			return nil, fmt.Errorf("jobspec preset for unknown field %q", name)
		}
		f.Preset = rest
	}
	return spec, nil
}

func parseFieldType(s string) (types.FieldType, error) {
	switch s {
	case "word":
		return types.TypeWord, nil
	case "text":
		return types.TypeText, nil
	case "line":
		return types.TypeLine, nil
	case "select":
		return types.TypeSelect, nil
	case "date":
		return types.TypeDate, nil
	}
	return "", fmt.Errorf("unknown jobspec field type %q", s)
}

func parsePersistence(s string) (types.Persistence, error) {
	switch s {
	case "optional":
		return types.PersistOptional, nil
	case "default":
		return types.PersistDefault, nil
	case "required":
		return types.PersistRequired, nil
	case "once":
		return types.PersistOnce, nil
	case "always":
		return types.PersistAlways, nil
	}
	return "", fmt.Errorf("unknown jobspec persistence %q", s)
}

// FormatJobspec renders a jobspec in the form accepted by jobspec -i.
func FormatJobspec(spec *types.Jobspec) string {
	var b strings.Builder
	fields := append([]types.JobField(nil), spec.Fields...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Code < fields[j].Code })
	b.WriteString("Fields:\n")
	for _, f := range fields {
		fmt.Fprintf(&b, "\t%d %s %s %d %s\n", f.Code, f.Name, f.Type, f.Length, f.Persistence)
	}
	var values, presets []types.JobField
	for _, f := range fields {
		if len(f.Values) > 0 {
			values = append(values, f)
		}
		if f.Preset != "" {
			presets = append(presets, f)
		}
	}
	if len(values) > 0 {
		b.WriteString("\nValues:\n")
		for _, f := range values {
			fmt.Fprintf(&b, "\t%s %s\n", f.Name, strings.Join(f.Values, "/"))
		}
	}
	if len(presets) > 0 {
		b.WriteString("\nPresets:\n")
		for _, f := range presets {
			fmt.Fprintf(&b, "\t%s %s\n", f.Name, f.Preset)
		}
	}
	if spec.Comment != "" {
		b.WriteString("\nComments:\n")
		for _, line := range strings.Split(strings.TrimSuffix(spec.Comment, "\n"), "\n") {
			fmt.Fprintf(&b, "\t%s\n", line)
		}
	}
	return b.String()
}

// InstallJobspec replaces the server's job specification.
func (a *Adapter) InstallJobspec(ctx context.Context, spec *types.Jobspec) error {
	_, err := a.Runner.Run(ctx, []string{"jobspec", "-i"}, FormatJobspec(spec))
	return err
}

// ExtendJobspec merges the given fields into the server's jobspec,
// keeping every field a site has added. New replicator fields take codes
// counting down from 194; new site-style fields count up from 106.
// Fields already present keep their code but adopt the wanted type,
// values and preset.
func ExtendJobspec(current *types.Jobspec, wanted []types.JobField) (*types.Jobspec, error) {
	out := &types.Jobspec{Comment: current.Comment}
	out.Fields = append(out.Fields, current.Fields...)
	used := make(map[int]bool)
	for _, f := range out.Fields {
		used[f.Code] = true
	}
	for _, w := range wanted {
		if f := out.Field(w.Name); f != nil {
			f.Type = w.Type
			f.Length = w.Length
			f.Persistence = w.Persistence
			f.Values = w.Values
			f.Preset = w.Preset
			continue
		}
		code, err := allocateCode(used, strings.HasPrefix(w.Name, "P4DTI-"))
		if err != nil {
			return nil, fmt.Errorf("cannot add field %s: %w", w.Name, err)
		}
		used[code] = true
		w.Code = code
		out.Fields = append(out.Fields, w)
	}
	return out, nil
}

func allocateCode(used map[int]bool, replicatorField bool) (int, error) {
	if replicatorField {
		for c := lastP4DTICode; c >= firstP4DTICode; c-- {
			if !used[c] {
				return c, nil
			}
		}
		return 0, fmt.Errorf("no free replicator field codes in %d-%d", firstP4DTICode, lastP4DTICode)
	}
	for c := firstUserCode; c <= lastUserCode; c++ {
		if !used[c] {
			return c, nil
		}
	}
	return 0, fmt.Errorf("no free field codes in %d-%d", firstUserCode, lastUserCode)
}

// restrictiveness orders the field types by how much they constrain a
// value. A field can hold any value a more restrictive type allows, so a
// server field whose type is no more restrictive than required is fine.
var restrictiveness = map[types.FieldType]int{
	types.TypeText:   1,
	types.TypeLine:   2,
	types.TypeWord:   3,
	types.TypeSelect: 4,
}

func typeCompatible(required, actual types.FieldType) bool {
	if required == types.TypeDate || actual == types.TypeDate {
		return required == actual
	}
	return restrictiveness[actual] <= restrictiveness[required]
}

// ValidateJobspec checks that the server's jobspec can carry everything
// the replicator writes. Replicator-owned fields must match exactly;
// replicated fields may have a less restrictive type than wanted.
func ValidateJobspec(current *types.Jobspec, wanted []types.JobField) error {
	var problems []string
	for _, w := range wanted {
		f := current.Field(w.Name)
		if f == nil {
			problems = append(problems, fmt.Sprintf("field %s is missing", w.Name))
			continue
		}
		if strings.HasPrefix(w.Name, "P4DTI-") {
			if f.Type != w.Type {
				problems = append(problems,
					fmt.Sprintf("field %s has type %s, but the replicator requires %s", w.Name, f.Type, w.Type))
			}
			if f.Persistence != w.Persistence {
				problems = append(problems,
					fmt.Sprintf("field %s has persistence %s, but the replicator requires %s", w.Name, f.Persistence, w.Persistence))
			}
			if f.Preset != w.Preset {
				problems = append(problems,
					fmt.Sprintf("field %s has preset %q, but the replicator requires %q", w.Name, f.Preset, w.Preset))
			}
			continue
		}
		if !typeCompatible(w.Type, f.Type) {
			problems = append(problems,
				fmt.Sprintf("field %s has type %s, which cannot hold replicated %s values", w.Name, f.Type, w.Type))
		}
		if w.Type == types.TypeSelect && f.Type == types.TypeSelect {
			have := make(map[string]bool, len(f.Values))
			for _, v := range f.Values {
				have[v] = true
			}
			for _, v := range w.Values {
				if !have[v] {
					problems = append(problems,
						fmt.Sprintf("field %s is missing value %q", w.Name, v))
				}
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("the jobspec cannot support replication:\n  %s",
			strings.Join(problems, "\n  "))
	}
	return nil
}
