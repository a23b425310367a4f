package livesession

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/aura-learn/liveclass/internal/models"
)

// custom validation tags
const (
	notBlankTag      = "notblank"
	sessionStatusTag = "session_status"
)

var (
	registerOnce sync.Once
	translator   ut.Translator
)

// RegisterValidators installs the custom tags and English messages on gin's
// validator. Safe to call more than once.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_en := en.New()
		translator, _ = ut.New(_en, _en).GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(v, translator)

		// report json field names
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		_ = v.RegisterValidation(notBlankTag, notBlank)
		_ = v.RegisterValidation(sessionStatusTag, sessionStatus)

		noop := func(ut.Translator) error { return nil }
		for _, tag := range []string{notBlankTag, sessionStatusTag} {
			_ = v.RegisterTranslation(tag, translator, noop, translateCustom)
		}
	})
}

func translateCustom(_ ut.Translator, fe validator.FieldError) string {
	switch fe.Tag() {
	case notBlankTag:
		return fe.Field() + " cannot be blank"
	case sessionStatusTag:
		return fe.Field() + " must be one of live, ended, cancelled"
	default:
		return fe.Field() + " is invalid"
	}
}

func notBlank(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return true
		}
		field = field.Elem()
	}
	if field.Kind() != reflect.String {
		return false
	}
	return strings.TrimSpace(field.String()) != ""
}

func sessionStatus(fl validator.FieldLevel) bool {
	switch models.SessionStatus(fl.Field().String()) {
	case models.SessionLive, models.SessionEnded, models.SessionCancelled:
		return true
	default:
		return false
	}
}

// validationMessage turns binding errors into a single readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || translator == nil {
		return "invalid request: " + err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(translator))
	}
	return strings.Join(msgs, "; ")
}
