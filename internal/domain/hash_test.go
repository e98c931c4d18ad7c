package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashDataKeyOrder(t *testing.T) {
	a := HashData(json.RawMessage(`{"name":"a","count":1}`))
	b := HashData(json.RawMessage(`{"count":1,"name":"a"}`))
	assert.Equal(t, a, b)
}

func TestHashDataWhitespace(t *testing.T) {
	a := HashData(json.RawMessage(`{"name": "a"}`))
	b := HashData(json.RawMessage(`{"name":"a"}`))
	assert.Equal(t, a, b)
}

func TestHashDataDistinct(t *testing.T) {
	a := HashData(json.RawMessage(`{"name":"a"}`))
	b := HashData(json.RawMessage(`{"name":"b"}`))
	assert.NotEqual(t, a, b)
}

func TestDataEqual(t *testing.T) {
	assert.True(t, DataEqual(
		json.RawMessage(`{"a":1,"b":2}`),
		json.RawMessage(`{"b":2,"a":1}`)))
	assert.False(t, DataEqual(
		json.RawMessage(`{"a":1}`),
		json.RawMessage(`{"a":2}`)))
}

func TestEnsureHash(t *testing.T) {
	item := &PrioritizedItem{Data: json.RawMessage(`{"name":"a"}`)}
	item.EnsureHash()
	assert.NotEmpty(t, item.Hash)

	supplied := &PrioritizedItem{Hash: "given", Data: json.RawMessage(`{"name":"a"}`)}
	supplied.EnsureHash()
	assert.Equal(t, "given", supplied.Hash)
}
