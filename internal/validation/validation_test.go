package validation

import (
	"regexp"
	"testing"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRange(t *testing.T) {
	r := Between(0, 100)
	assert.Empty(t, r.Validate("pct", 50))
	assert.Equal(t, "range_max", r.Validate("pct", 101)[0].Code)
	assert.Equal(t, "range_min", AtLeast(1.0).Validate("x", 0.5)[0].Code)
}

func TestStringCountsRunes(t *testing.T) {
	s := String{NotEmpty: true, MaxLength: 3, Trim: true}
	assert.Empty(t, s.Validate("name", " テスト "))
	assert.Len(t, s.Validate("name", "テストだ"), 1)
	assert.Equal(t, "required", s.Validate("name", "   ")[0].Code)

	p := String{Pattern: regexp.MustCompile(`^USC\d{7}$`)}
	assert.Empty(t, p.Validate("project_def", "USC0063201"))
	assert.NotEmpty(t, p.Validate("project_def", "ABC"))
}

func TestCollection(t *testing.T) {
	c := Collection[string]{MinSize: 1, MaxSize: 3, UniqueItems: true, Item: String{NotEmpty: true}}
	assert.Empty(t, c.Validate("tags", []string{"a", "b"}))
	fe := c.Validate("tags", []string{"a", "a", ""})
	require.Len(t, fe, 2)
	assert.Equal(t, "tags[1]", fe[0].Field)
	assert.Equal(t, "tags[2]", fe[1].Field)
	assert.NotEmpty(t, c.Validate("tags", nil))
}

func TestEmailURLIP(t *testing.T) {
	assert.Empty(t, Email{}.Validate("e", "a@example.com"))
	assert.NotEmpty(t, Email{}.Validate("e", "nope"))

	u := URL{RequireHTTPS: true}
	assert.Empty(t, u.Validate("u", "https://mdm.example.com/config"))
	assert.Equal(t, "url_https", u.Validate("u", "http://mdm.example.com")[0].Code)
	assert.Equal(t, "url", u.Validate("u", "::::")[0].Code)
	assert.Equal(t, "url_scheme", URL{AllowedSchemes: []string{"wss"}}.Validate("u", "https://x.io")[0].Code)

	assert.Empty(t, IP{V4Only: true}.Validate("ip", "8.8.8.8"))
	assert.NotEmpty(t, IP{V4Only: true}.Validate("ip", "::1"))
	assert.NotEmpty(t, IP{NoPrivate: true}.Validate("ip", "192.168.1.1"))
	assert.NotEmpty(t, IP{}.Validate("ip", "999.1.1.1"))
}

func TestRuleSetOperators(t *testing.T) {
	anyOf := Rules[string](Email{}, URL{}).AnyOf().Build()
	assert.Empty(t, anyOf.Validate("contact", "https://example.com"))
	assert.Len(t, anyOf.Validate("contact", "bogus"), 2)

	all := Rules[string](String{NotEmpty: true}).And(String{MaxLength: 2}).Build()
	assert.Len(t, all.Validate("code", "abc"), 1)
}

func TestCollectorErrorMessages(t *testing.T) {
	c := NewCollector("queue config")
	require.NoError(t, c.Err())

	Check[int](c, Between(1, 10), "batch_size", 0)
	err := c.Err()
	require.Error(t, err)
	assert.Equal(t, "Validation failed: must be >= 1", err.Error())

	c.Addf("compression_level", "range_max", "must be <= 9")
	err = c.Err()
	assert.Equal(t, "Validation failed with 2 errors: batch_size: must be >= 1; compression_level: must be <= 9", err.Error())

	var verr *Error
	require.ErrorAs(t, err, &verr)
	common := verr.Common()
	assert.Equal(t, errs.KindValidation, common.Kind)
	assert.Equal(t, "batch_size", common.Fields["field"])
}

func TestCustomFunc(t *testing.T) {
	even := Func[int](func(field string, v int) []FieldError {
		if v%2 != 0 {
			return []FieldError{{Field: field, Code: "even", Message: "must be even"}}
		}
		return nil
	})
	assert.Empty(t, even.Validate("n", 4))
	assert.NotEmpty(t, even.Validate("n", 3))
}
