package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reserveStock struct {
	Correlation string  `idem:"0,correlation"`
	OrderID     string  `idem:"2"`
	SKU         string  `idem:"1"`
	Quantity    int     `idem:"3"`
	Note        *string `idem:"4"`
	Untagged    string
}

func (m reserveStock) CorrelationID() string { return m.Correlation }

type bareMessage struct{ id string }

func (m bareMessage) CorrelationID() string { return m.id }

type tiedMessage struct {
	CorrelationID_ string `idem:"-"`
	First          string `idem:"1"`
	Second         string `idem:"1"`
}

func (m tiedMessage) CorrelationID() string { return m.CorrelationID_ }

type explicitMessage struct {
	corr   string
	fields []Field
}

func (m *explicitMessage) CorrelationID() string      { return m.corr }
func (m *explicitMessage) IdempotencyFields() []Field { return m.fields }

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDerive_NoTaggedFieldsHashesCorrelationOnly(t *testing.T) {
	key, err := Derive(bareMessage{id: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, sha256Hex("corr-1"), key)
	assert.Len(t, key, 64)
}

func TestDerive_CanonicalOrderExcludesCorrelationField(t *testing.T) {
	msg := reserveStock{Correlation: "c", OrderID: "o-1", SKU: "sku-9", Quantity: 2, Untagged: "ignored"}

	key, err := Derive(msg)
	require.NoError(t, err)
	// correlation, then SKU (1), OrderID (2), Quantity (3); nil Note skipped.
	assert.Equal(t, sha256Hex("csku-9o-12"), key)
}

func TestDerive_PointerValuesAreDereferenced(t *testing.T) {
	note := "gift"
	msg := &reserveStock{Correlation: "c", OrderID: "o", SKU: "s", Quantity: 1, Note: &note}

	key, err := Derive(msg)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex("cso1gift"), key)
}

func TestDerive_TiesKeepDeclarationOrder(t *testing.T) {
	key, err := Derive(tiedMessage{CorrelationID_: "x", First: "a", Second: "b"})
	require.NoError(t, err)
	assert.Equal(t, sha256Hex("xab"), key)
}

func TestDerive_IsDeterministicAndSensitiveToIncludedFields(t *testing.T) {
	base := reserveStock{Correlation: "c", OrderID: "o-1", SKU: "s", Quantity: 1}

	k1, err := Derive(base)
	require.NoError(t, err)
	k2, err := Derive(base)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	changed := base
	changed.Quantity = 2
	k3, err := Derive(changed)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	untagged := base
	untagged.Untagged = "different"
	k4, err := Derive(untagged)
	require.NoError(t, err)
	assert.Equal(t, k1, k4)
}

func TestDerive_FieldSourceOrdersAndSkipsAbsent(t *testing.T) {
	msg := &explicitMessage{corr: "c", fields: []Field{
		{Order: 2, Value: "late"},
		{Order: 1, Value: nil},
		{Order: 0, Value: 7},
	}}

	key, err := Derive(msg)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex("c7late"), key)
}

func TestDerive_NilMessage(t *testing.T) {
	_, err := Derive(nil)
	require.ErrorIs(t, err, ErrNilMessage)

	var typed *explicitMessage
	_, err = Derive(typed)
	require.ErrorIs(t, err, ErrNilMessage)

	assert.Panics(t, func() { MustDerive(nil) })
}

type badOrderMessage struct {
	Correlation string `idem:"0,correlation"`
	OrderID     string `idem:"x"`
}

func (m badOrderMessage) CorrelationID() string { return m.Correlation }

type badOptionMessage struct {
	Correlation string `idem:"0,corelation"`
	OrderID     string `idem:"1"`
}

func (m badOptionMessage) CorrelationID() string { return m.Correlation }

func TestDerive_MalformedTagFails(t *testing.T) {
	_, err := Derive(badOrderMessage{Correlation: "c-1", OrderID: "o-1"})
	require.ErrorIs(t, err, ErrInvalidTag)
	assert.Contains(t, err.Error(), "badOrderMessage.OrderID")

	// Cached layouts keep reporting the error.
	_, err = Derive(&badOrderMessage{Correlation: "c-1", OrderID: "o-2"})
	require.ErrorIs(t, err, ErrInvalidTag)

	_, err = Derive(badOptionMessage{Correlation: "c-1", OrderID: "o-1"})
	require.ErrorIs(t, err, ErrInvalidTag)
	assert.Contains(t, err.Error(), "corelation")

	assert.Panics(t, func() { MustDerive(badOrderMessage{}) })
}
