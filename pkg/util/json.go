package util

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator reports field errors by their json or yaml name.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			if name := fld.Tag.Get("json"); name != "" && name != "-" {
				return name
			}
			return fld.Tag.Get("yaml")
		})
	})
	return validate
}

// DecodeStruct decodes obj (raw JSON bytes or any JSON-serializable value) into T
// and validates the result.
func DecodeStruct[T any](obj interface{}) (*T, error) {
	var err error
	asJson, ok := obj.([]byte)
	if !ok {
		asJson, err = json.Marshal(obj)
		if err != nil {
			return nil, err
		}
	}
	var result T
	if err := json.Unmarshal(asJson, &result); err != nil {
		return nil, err
	}
	if err := Validator().Struct(result); err != nil {
		return nil, err
	}
	return &result, nil
}
