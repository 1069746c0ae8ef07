package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchkit/dispatchkit/types"
)

type createUser struct {
	Email string `json:"email" validate:"required,email"`
	Age   int    `json:"age" validate:"gte=0,lte=150"`
}

func TestValidateAcceptsValidBody(t *testing.T) {
	c := NewJSON()

	var target createUser
	err := c.Validate([]byte(`{"email":"a@b.co","age":30}`), &target)
	require.NoError(t, err)
	assert.Equal(t, "a@b.co", target.Email)
	assert.Equal(t, 30, target.Age)
}

func TestValidateMalformedJSON(t *testing.T) {
	c := NewJSON()

	var target createUser
	err := c.Validate([]byte(`{"email":`), &target)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)

	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Fields, 1)
	assert.Equal(t, "body", ve.Fields[0].Field)
	assert.Contains(t, ve.Fields[0].Message, "malformed JSON")
}

func TestValidateTagFailuresUseJSONNames(t *testing.T) {
	c := NewJSON()

	var target createUser
	err := c.Validate([]byte(`{"email":"not-an-email","age":200}`), &target)
	require.Error(t, err)

	var ve *types.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Fields, 2)

	byField := map[string]types.FieldError{}
	for _, fe := range ve.Fields {
		byField[fe.Field] = fe
	}
	assert.Equal(t, "failed rule: email", byField["email"].Message)
	assert.Equal(t, "not-an-email", byField["email"].Value)
	assert.Equal(t, "failed rule: lte", byField["age"].Message)
}

func TestSerialize(t *testing.T) {
	c := NewJSON()

	out, err := c.Serialize(map[string]int{"n": 7}, c.MediaType())
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":7}`, string(out))
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "application/json", NewJSON().MediaType())
}
