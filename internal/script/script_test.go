package script

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainExecutor_EmptySlotAccepts(t *testing.T) {
	e := NewChainExecutor()
	view := NewView("payload", nil)

	result := e.RunFilter("chan", 0, view)
	assert.True(t, result.Accept)
	assert.Empty(t, result.Error)

	tr := e.RunTransformer("chan", 0, view)
	assert.Empty(t, tr.Error)
	assert.Equal(t, "payload", view.Transformed)
}

func TestChainExecutor_FilterChain(t *testing.T) {
	e := NewChainExecutor()
	e.AddFilter("chan", 0, func(v *View) (bool, error) {
		return strings.HasPrefix(v.Raw, "MSH"), nil
	})
	e.AddFilter("chan", 0, func(v *View) (bool, error) {
		return !strings.Contains(v.Raw, "skip"), nil
	})

	assert.True(t, e.RunFilter("chan", 0, NewView("MSH|ok", nil)).Accept)
	assert.False(t, e.RunFilter("chan", 0, NewView("nope", nil)).Accept)
	assert.False(t, e.RunFilter("chan", 0, NewView("MSH|skip", nil)).Accept)
}

func TestChainExecutor_FilterError(t *testing.T) {
	e := NewChainExecutor()
	e.AddFilter("chan", 1, func(v *View) (bool, error) {
		return false, errors.New("rule blew up")
	})

	result := e.RunFilter("chan", 1, NewView("x", nil))
	assert.False(t, result.Accept)
	assert.Equal(t, "rule blew up", result.Error)
}

func TestChainExecutor_TransformerMutatesView(t *testing.T) {
	e := NewChainExecutor()
	e.AddTransformer("chan", 0, func(v *View) error {
		v.Transformed = strings.ToUpper(v.Transformed)
		v.ChannelMap["seen"] = true
		return nil
	})
	e.AddTransformer("chan", 0, func(v *View) error {
		v.Transformed += "!"
		return nil
	})

	view := NewView("adt", nil)
	result := e.RunTransformer("chan", 0, view)
	require.Empty(t, result.Error)
	assert.Equal(t, "ADT!", view.Transformed)
	assert.Equal(t, true, view.ChannelMap["seen"])
}

func TestChainExecutor_PanicBecomesError(t *testing.T) {
	e := NewChainExecutor()
	e.AddTransformer("chan", 0, func(v *View) error {
		panic("boom")
	})
	e.AddFilter("chan", 0, func(v *View) (bool, error) {
		panic("bang")
	})

	tr := e.RunTransformer("chan", 0, NewView("x", nil))
	assert.Contains(t, tr.Error, "boom")

	fr := e.RunFilter("chan", 0, NewView("x", nil))
	assert.Contains(t, fr.Error, "bang")
}

func TestChainExecutor_ResponseTransformer(t *testing.T) {
	e := NewChainExecutor()
	assert.False(t, e.HasResponseTransformer("chan", 0))

	e.AddResponseTransformer("chan", 0, func(v *View) error {
		v.ResponseTransformed = "ack:" + v.Response
		return nil
	})
	assert.True(t, e.HasResponseTransformer("chan", 0))

	view := NewView("x", nil)
	view.Response = "AA"
	result := e.RunResponseTransformer("chan", 0, view)
	require.Empty(t, result.Error)
	assert.Equal(t, "ack:AA", view.ResponseTransformed)
}
