package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParams_BuildMeta(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		total  int
		want   Meta
	}{
		{"exact pages", Params{Page: 1, PageSize: 5}, 10, Meta{Page: 1, PageSize: 5, TotalItems: 10, TotalPages: 2}},
		{"partial last page", Params{Page: 2, PageSize: 4}, 9, Meta{Page: 2, PageSize: 4, TotalItems: 9, TotalPages: 3}},
		{"no page size", Params{}, 7, Meta{TotalItems: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.params.BuildMeta(tt.total))
		})
	}
}

func TestApply(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	t.Run("first page", func(t *testing.T) {
		got, meta := Apply(items, Params{Page: 1, PageSize: 2})
		assert.Equal(t, []string{"a", "b"}, got)
		assert.Equal(t, 3, meta.TotalPages)
	})

	t.Run("last partial page", func(t *testing.T) {
		got, _ := Apply(items, Params{Page: 3, PageSize: 2})
		assert.Equal(t, []string{"e"}, got)
	})

	t.Run("past the end", func(t *testing.T) {
		got, meta := Apply(items, Params{Page: 9, PageSize: 2})
		assert.Empty(t, got)
		assert.Equal(t, 5, meta.TotalItems)
	})

	t.Run("unpaginated", func(t *testing.T) {
		got, _ := Apply(items, Params{})
		assert.Equal(t, items, got)
	})
}
