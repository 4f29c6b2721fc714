package compose

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgchat/internal/models"
)

func testCatalog() *Catalog {
	return NewCatalog([]Product{
		{ID: "p-1", Name: "Widget", Category: "tools", Aliases: []string{"X"}},
		{ID: "p-2", Name: "Widget Pro", Category: "tools"},
		{ID: "p-3", Name: "Gadget", Aliases: []string{"Gizmo"}},
		{ID: "p-4", Name: "Gizmo"},
	})
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
products:
  - id: p-1
    name: Widget
    aliases: [X]
  - id: p-2
    name: Widget Pro
`), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, c.All(), 2)
	p, ok := c.Lookup("p-2")
	require.True(t, ok)
	assert.Equal(t, "Widget Pro", p.Name)

	require.NoError(t, os.WriteFile(path, []byte("products:\n  - name: nameless id\n"), 0o600))
	_, err = LoadCatalog(path)
	assert.Error(t, err)
}

func TestCatalogUniqueSkipsAmbiguousNames(t *testing.T) {
	c := testCatalog()
	ids := []string{}
	for _, p := range c.Unique() {
		ids = append(ids, p.ID)
	}
	// "Gizmo" is both an alias of p-3 and the name of p-4.
	assert.Equal(t, []string{"p-1", "p-2", "p-3"}, ids)
}

func TestPrepareQuery(t *testing.T) {
	c := testCatalog()
	assert.Equal(t, "How are you?", PrepareQuery("  How are you? ", c))
	assert.Equal(t, "What is gizmo?", PrepareQuery("What is gizmo?", c))

	got := PrepareQuery("Compare widget pro with product X", c)
	assert.Equal(t, "Compare widget pro with product X\n\nProducts referenced: Widget Pro (id p-2, category tools); Widget (id p-1, category tools)", got)

	assert.Equal(t, "What is X?", PrepareQuery("What is X?", nil))
}

func TestComposeAnswerAndReferences(t *testing.T) {
	payload := []byte(`{"answer":"X is a widget.","references":[{"id":"r1","type":"doc"}]}`)
	resp, err := Compose("What is product X?", payload, testCatalog(), "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, "tmp-1", resp.ID)
	assert.Equal(t, "What is product X?", resp.Input)
	assert.Equal(t, "X is a widget.", resp.Output)
	require.Len(t, resp.References, 1)
	assert.Equal(t, models.Reference{ID: "r1", Type: "doc"}, resp.References[0])
}

func TestComposeAlternativePayloadShapes(t *testing.T) {
	payload := []byte(`{
		"message": {"role": "assistant", "content": "See the manual."},
		"context_data": {"sources": [
			{"id": 7},
			{"id": "p-2", "type": "product"},
			{"id": 7, "type": "document"},
			{"type": "document"}
		]}
	}`)
	resp, err := Compose("q", payload, testCatalog(), "id")
	require.NoError(t, err)
	assert.Equal(t, "See the manual.", resp.Output)
	assert.Equal(t, []models.Reference{
		{ID: "7", Type: DefaultReferenceType},
		{ID: "p-2", Type: "product", Title: "Widget Pro"},
	}, resp.References)

	resp, err = Compose("q", []byte(`{"response":"plain"}`), nil, "id")
	require.NoError(t, err)
	assert.NotNil(t, resp.References)
	assert.Empty(t, resp.References)
}

func TestComposeKeepsSameIDUnderDifferentTypes(t *testing.T) {
	payload := []byte(`{
		"answer": "X is a widget [Data: Sources (3)] built by Acme [Data: Entities (3)].",
		"references": [
			{"id": "3", "type": "entities"},
			{"id": "3", "type": "sources"},
			{"id": "3", "type": "Sources"}
		]
	}`)
	resp, err := Compose("q", payload, nil, "id")
	require.NoError(t, err)
	assert.Equal(t, []models.Reference{
		{ID: "3", Type: "entities"},
		{ID: "3", Type: "sources"},
	}, resp.References)
	assert.Equal(t, "X is a widget [2] built by Acme [1].", FormatReferences(resp.Output, resp.References))
}

func TestComposeErrors(t *testing.T) {
	_, err := Compose("q", []byte(`{"references":[]}`), nil, "id")
	assert.ErrorIs(t, err, ErrNoAnswer)

	_, err = Compose("q", []byte(`not json`), nil, "id")
	assert.Error(t, err)

	_, err = Compose("q", []byte(`{"answer":"a","references":{"id":"r1"}}`), nil, "id")
	assert.Error(t, err)
}

func TestReferenceRowsOrdinals(t *testing.T) {
	for n := 0; n <= 6; n++ {
		refs := make([]models.Reference, n)
		for i := range refs {
			refs[i] = models.Reference{ID: string(rune('a' + i)), Type: "doc", Idx: 99}
		}
		rows := ReferenceRows(refs)
		require.Len(t, rows, n)
		for i, row := range rows {
			assert.Equal(t, i, row.Idx)
			assert.Equal(t, refs[i].ID, row.ID)
		}
	}
}

func TestFormatReferences(t *testing.T) {
	refs := []models.Reference{
		{ID: "3", Type: "entities"},
		{ID: "7", Type: "sources"},
		{ID: "3", Type: "sources"},
		{ID: "r1", Type: "doc"},
	}
	cases := map[string]struct {
		in, want string
	}{
		"data marker": {
			in:   "X is a widget [Data: Sources (7, 3)].",
			want: "X is a widget [2][3].",
		},
		"multiple segments and more": {
			in:   "Fact [Data: Entities (3); Sources (7, +more)].",
			want: "Fact [1][2].",
		},
		"unknown ids dropped": {
			in:   "Fact [Data: Reports (42, 43)].",
			want: "Fact.",
		},
		"ref marker": {
			in:   "X is a widget [ref:r1] and more [ref: nope].",
			want: "X is a widget [4] and more.",
		},
		"duplicates collapse": {
			in:   "A [Data: Sources (7, 7)]",
			want: "A [2]",
		},
		"no markers": {
			in:   "Plain answer.",
			want: "Plain answer.",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatReferences(tc.in, refs))
		})
	}
}

func TestStripReferences(t *testing.T) {
	assert.Equal(t, "X is a widget built by Acme.", StripReferences("X is a widget [Data: Sources (3)] built by Acme [ref:7]."))
}

func TestContexts(t *testing.T) {
	payload := []byte(`{
		"references": [{"id": "r1", "text": "X is a small widget."}, {"id": "r2"}],
		"context_data": {"sources": [{"id": 1, "text": " Widgets ship in blue. "}]}
	}`)
	assert.Equal(t, []string{"Widgets ship in blue.", "X is a small widget."}, Contexts(payload))
	assert.Empty(t, Contexts([]byte(`{"answer":"a"}`)))
}
