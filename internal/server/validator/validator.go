package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/JuanPabloHerrera/openapi/pkg/api"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	once     sync.Once
	validate *validator.Validate
	trans    ut.Translator
)

// InitValidator configures the validator engine shared with gin binding.
func InitValidator() {
	once.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			v = validator.New()
			v.SetTagName("binding")
		}

		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		en := en.New()
		uni := ut.New(en, en)
		trans, _ = uni.GetTranslator("en")

		_ = en_translations.RegisterDefaultTranslations(v, trans)
		validate = v
	})
}

// DecodeChatEnvelope parses the inspected subset of a request body and
// validates it. The error message is safe to return to the client.
func DecodeChatEnvelope(body []byte) (*api.ChatEnvelope, error) {
	InitValidator()

	var env api.ChatEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return nil, fmt.Errorf("%s must be a %s", typeErr.Field, typeErr.Type.Kind())
		}
		return nil, errors.New("Request body must be a JSON object")
	}
	env.Model = strings.TrimSpace(env.Model)

	if err := validate.Struct(&env); err != nil {
		return nil, errors.New(describe(ParseValidationError(err)))
	}
	return &env, nil
}

// ParseValidationError converts raw validation errors into a field map.
func ParseValidationError(err error) map[string]string {
	errMap := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, e := range validationErrors {
			ns := e.Namespace()
			if i := strings.Index(ns, "."); i != -1 {
				ns = ns[i+1:]
			}
			errMap[ns] = e.Translate(trans)
		}
		return errMap
	}

	errMap["body"] = "Invalid request body format"
	return errMap
}

// describe joins field messages in a stable order. A missing model is
// reported on its own.
func describe(fields map[string]string) string {
	if _, ok := fields["model"]; ok {
		return "Model parameter is required"
	}
	if msg, ok := fields["body"]; ok {
		return msg
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, fields[k])
	}
	return strings.Join(msgs, "; ")
}
