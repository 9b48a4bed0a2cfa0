package backfill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makersync/backfill/pkg/types"
)

func TestParsePageCursor(t *testing.T) {
	c, err := ParsePageCursor("", 20)
	require.NoError(t, err)
	assert.Equal(t, PageCursor{PageNo: 1, PerPage: 20}, c)

	c, err = ParsePageCursor(`{"pageNo":7,"perPage":50}`, 20)
	require.NoError(t, err)
	assert.Equal(t, PageCursor{PageNo: 7, PerPage: 50}, c)

	_, err = ParsePageCursor("not json", 20)
	assert.Error(t, err)

	_, err = ParsePageCursor(`{"pageNo":0,"perPage":50}`, 20)
	assert.Error(t, err)
}

func TestPageCursorRoundTrip(t *testing.T) {
	c := PageCursor{PageNo: 3, PerPage: 25}
	parsed, err := ParsePageCursor(c.String(), 99)
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestScaleCursorPreservesProgress(t *testing.T) {
	tests := []struct {
		name    string
		in      PageCursor
		perPage int
		want    PageCursor
	}{
		{"same size is identity", PageCursor{PageNo: 5, PerPage: 20}, 20, PageCursor{PageNo: 5, PerPage: 20}},
		{"halving doubles the page", PageCursor{PageNo: 3, PerPage: 20}, 10, PageCursor{PageNo: 5, PerPage: 10}},
		{"doubling halves the page", PageCursor{PageNo: 5, PerPage: 10}, 20, PageCursor{PageNo: 3, PerPage: 20}},
		{"uneven scale rounds down", PageCursor{PageNo: 4, PerPage: 20}, 7, PageCursor{PageNo: 9, PerPage: 7}},
		{"fresh cursor stays at page one", PageCursor{PageNo: 1, PerPage: 20}, 50, PageCursor{PageNo: 1, PerPage: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScaleCursor(tt.in, tt.perPage)
			assert.Equal(t, tt.want, got)

			// Scaling never points past already-fetched data.
			fetchedBefore := (tt.in.PageNo - 1) * tt.in.PerPage
			fetchedAfter := (got.PageNo - 1) * got.PerPage
			assert.LessOrEqual(t, fetchedAfter, fetchedBefore, "scaled cursor must not skip unfetched items")
		})
	}
}

func TestScaleCursorIdempotent(t *testing.T) {
	c := ScaleCursor(PageCursor{PageNo: 4, PerPage: 20}, 7)
	assert.Equal(t, c, ScaleCursor(c, 7))
}

func TestParseCommitCursor(t *testing.T) {
	c, err := ParseCommitCursor("")
	require.NoError(t, err)
	assert.Equal(t, CommitCursor{PageNo: 1}, c)

	c, err = ParseCommitCursor("25f9fd7d31025b824dd384b094c49adcd9d2887b 39")
	require.NoError(t, err)
	assert.Equal(t, "25f9fd7d31025b824dd384b094c49adcd9d2887b", c.SHA)
	assert.Equal(t, 39, c.PageNo)

	_, err = ParseCommitCursor("justonesha")
	assert.Error(t, err)
	_, err = ParseCommitCursor("sha notanumber")
	assert.Error(t, err)
	_, err = ParseCommitCursor("sha 0")
	assert.Error(t, err)
}

func TestSkipCursorForFailure(t *testing.T) {
	next, ok := SkipCursorForFailure(types.TaskPull, `{"pageNo":4,"perPage":20}`, 1, 20)
	require.True(t, ok)
	assert.JSONEq(t, `{"pageNo":5,"perPage":20}`, next)

	// An empty page cursor still skips: the default is page one.
	next, ok = SkipCursorForFailure(types.TaskBuild, "", 2, 20)
	require.True(t, ok)
	assert.JSONEq(t, `{"pageNo":3,"perPage":20}`, next)

	next, ok = SkipCursorForFailure(types.TaskCommit, "abc123 7", 1, 20)
	require.True(t, ok)
	assert.Equal(t, "abc123 8", next)

	// A commit task with no cursor yet has no SHA anchor to skip from.
	_, ok = SkipCursorForFailure(types.TaskCommit, "", 1, 20)
	assert.False(t, ok)

	// Opaque cursors cannot be advanced blindly.
	_, ok = SkipCursorForFailure(types.TaskBranch, "opaque==", 1, 20)
	assert.False(t, ok)
	_, ok = SkipCursorForFailure(types.TaskDependabotAlert, "opaque==", 1, 20)
	assert.False(t, ok)
}
