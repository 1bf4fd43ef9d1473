package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	assert.Equal(t, "tom-clancys-rainbow-six-siege", Slugify("Tom Clancy's Rainbow Six Siege"))
	assert.Equal(t, "game-2", Slugify("Game  2!"))
	assert.Equal(t, "x", Slugify("--x--"))
}

func TestMillify(t *testing.T) {
	assert.Equal(t, "999", Millify(999, 2))
	assert.Equal(t, "1K", Millify(1000, 2))
	assert.Equal(t, "1.5M", Millify(1500000, 2))
	assert.Equal(t, "-2K", Millify(-2000, 2))
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0, Percentage(0, 10))
	assert.Equal(t, 0, Percentage(5, 0))
	assert.Equal(t, 50, Percentage(5, 10))
	assert.Equal(t, 100, Percentage(10, 10))
}

func TestURLHashIsStable(t *testing.T) {
	a := URLHash("https://example.com/icon.png")
	b := URLHash("https://example.com/icon.png")
	c := URLHash("https://example.com/other.png")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 40)
}
