package tollgate

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/tollgate/entitlement"
	"github.com/xraph/tollgate/quota"
	"github.com/xraph/tollgate/types"
)

func newValidator() *validator.Validate {
	v := validator.New()

	// Report JSON field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkStruct runs tag validation and returns the first failure as a
// ValidationError.
func (t *Tollgate) checkStruct(s any) error {
	err := t.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return ValidationError{Field: "input", Message: err.Error()}
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	return ValidationError{Field: field, Message: fieldMessage(fe)}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters long", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters long", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed validation for '%s'", fe.Tag())
	}
}

// checkModules enforces catalog membership, name uniqueness at both levels
// and well-formed limit keys.
func (t *Tollgate) checkModules(field string, mods []entitlement.Module) error {
	seen := make(map[string]struct{}, len(mods))
	for i, m := range mods {
		path := fmt.Sprintf("%s[%d]", field, i)
		if !t.catalog.Contains(m.Name) {
			return ValidationError{Field: path + ".name", Message: fmt.Sprintf("unknown module %q", m.Name)}
		}
		if _, dup := seen[m.Name]; dup {
			return ValidationError{Field: path + ".name", Message: fmt.Sprintf("duplicate module %q", m.Name)}
		}
		seen[m.Name] = struct{}{}
		if err := checkCounters(path+".limits", m.Limits); err != nil {
			return err
		}
		if err := checkConfig(path+".config", m.Config); err != nil {
			return err
		}
		if err := checkFeatures(path+".features", m.Features); err != nil {
			return err
		}
	}
	return nil
}

func checkFeatures(field string, fs []entitlement.Feature) error {
	seen := make(map[string]struct{}, len(fs))
	for i, f := range fs {
		path := fmt.Sprintf("%s[%d]", field, i)
		if _, dup := seen[f.Name]; dup {
			return ValidationError{Field: path + ".name", Message: fmt.Sprintf("duplicate feature %q", f.Name)}
		}
		seen[f.Name] = struct{}{}
		if err := checkCounters(path+".limits", f.Limits); err != nil {
			return err
		}
		if err := checkConfig(path+".config", f.Config); err != nil {
			return err
		}
	}
	return nil
}

// checkConfig rejects numbers JSON cannot carry.
func checkConfig(field string, cfg map[string]types.Value) error {
	for k, v := range cfg {
		if f, ok := v.Float(); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return ValidationError{Field: field + "." + k, Message: "must be a finite number"}
		}
	}
	return nil
}

// checkCounters validates resource-keyed maps such as quotas and limits.
func checkCounters(field string, m map[string]int64) error {
	for k, v := range m {
		if !quota.ValidResource(k) {
			return ValidationError{Field: field, Message: fmt.Sprintf("invalid resource key %q", k)}
		}
		if v < 0 {
			return ValidationError{Field: field + "." + k, Message: "must not be negative"}
		}
	}
	return nil
}

func checkWindow(from, until *time.Time) error {
	if from != nil && until != nil && !from.Before(*until) {
		return ValidationError{Field: "effective_until", Message: "must be after effective_from"}
	}
	return nil
}

func (t *Tollgate) validateCreate(in entitlement.CreateInput) error {
	if err := t.checkStruct(in); err != nil {
		return err
	}
	if err := t.checkModules("modules", in.Modules); err != nil {
		return err
	}
	if err := checkCounters("quotas", in.Quotas); err != nil {
		return err
	}
	return checkWindow(in.EffectiveFrom, in.EffectiveUntil)
}

func (t *Tollgate) validatePatch(p entitlement.Patch) error {
	if err := t.checkStruct(p); err != nil {
		return err
	}
	if p.Modules != nil {
		if err := t.checkModules("modules", *p.Modules); err != nil {
			return err
		}
	}
	return checkCounters("quotas", p.Quotas)
}
