package codec

import (
	"errors"
	"reflect"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"

	"github.com/dispatchkit/dispatchkit/types"
	"github.com/dispatchkit/dispatchkit/utils"
)

// JSONCodec decodes request bodies into typed targets, enforces their
// validate tags, and serializes handler return values.
type JSONCodec struct {
	validate *validator.Validate
}

func NewJSON() *JSONCodec {
	validate := validator.New()

	// report the json field name instead of the Go field name
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &JSONCodec{validate: validate}
}

func (c *JSONCodec) Validate(raw []byte, target interface{}) error {
	if err := sonic.ConfigDefault.Unmarshal(raw, target); err != nil {
		ve := &types.ValidationError{}
		ve.Add("body", "", "malformed JSON: "+err.Error())
		return ve
	}

	if err := c.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			ve := &types.ValidationError{}
			for _, fe := range fieldErrs {
				ve.Add(fe.Field(), asString(fe.Value()), "failed rule: "+fe.Tag())
			}
			return ve
		}
		return types.Errorf(types.ErrValidation, "%v", err)
	}

	return nil
}

func (c *JSONCodec) Serialize(value interface{}, _ string) ([]byte, error) {
	return utils.Marshal(value)
}

func (c *JSONCodec) MediaType() string {
	return "application/json"
}

func asString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	encoded, err := utils.Marshal(value)
	if err != nil {
		return ""
	}
	return string(encoded)
}
