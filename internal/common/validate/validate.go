package validate

import (
	"errors"
	"reflect"
	"strings"

	"school-integration/internal/common/apperr"
	"school-integration/internal/common/models"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	Validate   *validator.Validate
	Translator ut.Translator

	notBlankTag  = "notblank"
	moduleTag    = "module"
	operationTag = "operation"
	directionTag = "direction"
)

func init() {
	Validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	Translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(Validate, Translator)

	// Report JSON names instead of Go field names.
	Validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = Validate.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = Validate.RegisterValidation(moduleTag, func(fl validator.FieldLevel) bool {
		_, err := models.ParseModule(fl.Field().String())
		return err == nil
	})
	_ = Validate.RegisterValidation(operationTag, func(fl validator.FieldLevel) bool {
		_, err := models.ParseOperation(fl.Field().String())
		return err == nil
	})
	_ = Validate.RegisterValidation(directionTag, func(fl validator.FieldLevel) bool {
		_, err := models.ParseDirection(fl.Field().String())
		return err == nil
	})

	registerFn := func(ut.Translator) error { return nil }
	for _, tag := range []string{notBlankTag, moduleTag, operationTag, directionTag} {
		_ = Validate.RegisterTranslation(tag, Translator, registerFn, translateCustom)
	}
}

func translateCustom(_ ut.Translator, fe validator.FieldError) string {
	switch fe.Tag() {
	case notBlankTag:
		return "this field cannot be blank"
	case moduleTag:
		return "must be one of students, courses, enrollments, leads"
	case operationTag:
		return "must be one of import, export, update, delete"
	case directionTag:
		return "must be import or export"
	}
	return "is invalid"
}

// Struct validates v and converts validator failures into an apperr.ValidationError.
func Struct(v any) error {
	err := Validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.NewValidation(err.Error(), nil)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = fe.Translate(Translator)
	}
	return apperr.NewValidation("request validation failed", fields)
}

// fieldPath drops the top-level struct name from the namespace ("Req.mappings[0].x").
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}
