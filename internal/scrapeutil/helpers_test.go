package scrapeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterLinks_SameDomainOnly(t *testing.T) {
	links := []string{
		"https://example.com/a",
		"https://other.com/b",
		"https://example.com/c",
	}

	got := FilterLinks(links, "https://example.com/", true, 0)

	assert.Equal(t, []string{"https://example.com/a", "https://example.com/c"}, got)
}

func TestFilterLinks_MaxPerDocument(t *testing.T) {
	links := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}

	got := FilterLinks(links, "https://example.com/", false, 2)

	assert.Len(t, got, 2)
}

func TestFilterLinks_InvalidBaseURLSkipsDomainFilter(t *testing.T) {
	links := []string{"https://example.com/a", "https://other.com/b"}

	got := FilterLinks(links, "://not-a-url", true, 0)

	assert.Equal(t, links, got)
}

func TestFilterLinks_Empty(t *testing.T) {
	assert.Empty(t, FilterLinks(nil, "https://example.com/", true, 5))
}
