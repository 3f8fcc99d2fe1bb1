package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnnotatedPath(t *testing.T) {
	assert.Equal(t, "dish.annotated.jpg", annotatedPath("dish.png"))
	assert.Equal(t, "/tmp/a.b/photo.annotated.jpg", annotatedPath("/tmp/a.b/photo.jpeg"))
	assert.Equal(t, "raw.annotated.jpg", annotatedPath("raw"))
}
