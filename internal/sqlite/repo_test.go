package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/hatumimi/internal/blobstore"
	"github.com/jdholdren/hatumimi/internal/keiji"
)

// memPersister keeps the image in memory and can be told to fail saves.
type memPersister struct {
	mu       sync.Mutex
	image    []byte
	saves    int
	failSave bool
	metadata map[string]keiji.SyncMetadata
}

func (p *memPersister) Save(_ context.Context, image []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failSave {
		return errors.New("disk full")
	}
	p.image = append([]byte{}, image...)
	p.saves++
	return nil
}

func (p *memPersister) Load(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.image == nil {
		return nil, nil
	}
	return append([]byte{}, p.image...), nil
}

func (p *memPersister) SaveMetadata(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.metadata == nil {
		p.metadata = map[string]keiji.SyncMetadata{}
	}
	p.metadata[key] = keiji.SyncMetadata{Value: value, UpdatedAt: time.Now()}
	return nil
}

func (p *memPersister) LoadMetadata(_ context.Context, key string) (*keiji.SyncMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	md, ok := p.metadata[key]
	if !ok {
		return nil, nil
	}
	return &md, nil
}

func newTestRepo(t *testing.T) (*Repo, *memPersister) {
	t.Helper()

	p := &memPersister{}
	r, err := Open(context.Background(), p)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	require.NoError(t, r.SeedIfEmpty(context.Background()))

	return r, p
}

func notice(code int, seq, title, published string) keiji.Notice {
	return keiji.Notice{
		Kind:        3,
		Code:        code,
		SeqNo:       seq,
		GenreName:   fmt.Sprintf("genre-%d", code),
		Title:       title,
		PublishedAt: published,
	}
}

func TestSeedIfEmpty(t *testing.T) {
	var (
		ctx  = context.Background()
		r, p = newTestRepo(t)
	)

	genres := r.Genres(ctx)
	require.False(t, genres.Degraded())
	assert.Len(t, genres.Data, 8)
	assert.Contains(t, genres.Data, keiji.Genre{Kind: 3, Code: 862, Name: "学生生活"})
	assert.Equal(t, 1, p.saves)

	// Seeding again is a no-op and writes nothing
	require.NoError(t, r.SeedIfEmpty(ctx))
	assert.Len(t, r.Genres(ctx).Data, 8)
	assert.Equal(t, 1, p.saves)
}

func TestUpsertNotices_Idempotent(t *testing.T) {
	var (
		ctx  = context.Background()
		r, _ = newTestRepo(t)
		in   = []keiji.Notice{
			notice(862, "001", "健康診断のお知らせ", "2025-09-30T11:18:42"),
			notice(862, "002", "図書館休館", "2025-09-29T09:00:00"),
			notice(861, "001", "履修登録", "2025-09-30T11:18:42"),
		}
	)

	require.NoError(t, r.UpsertNotices(ctx, in))
	once := r.Notices(ctx, keiji.Filter{}, keiji.Page{})
	require.NoError(t, r.UpsertNotices(ctx, in))
	twice := r.Notices(ctx, keiji.Filter{}, keiji.Page{})

	require.False(t, twice.Degraded())
	assert.Len(t, twice.Data, 3)
	assert.Equal(t, once.Data, twice.Data)
	assert.Equal(t, 3, r.CountNotices(ctx, keiji.Filter{}).Data)
}

func TestUpsertNotices_SameKeyOverwrites(t *testing.T) {
	var (
		ctx  = context.Background()
		r, _ = newTestRepo(t)
	)

	require.NoError(t, r.UpsertNotices(ctx, []keiji.Notice{notice(862, "001", "first", "2025-09-01T00:00:00")}))
	first, err := r.Notice(ctx, keiji.NoticeKey{Kind: 3, Code: 862, SeqNo: "001"})
	require.NoError(t, err)

	require.NoError(t, r.UpsertNotices(ctx, []keiji.Notice{notice(862, "001", "second", "2025-09-02T00:00:00")}))
	second, err := r.Notice(ctx, keiji.NoticeKey{Kind: 3, Code: 862, SeqNo: "001"})
	require.NoError(t, err)

	assert.Equal(t, "second", second.Title)
	assert.Equal(t, "2025-09-02T00:00:00", second.PublishedAt)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, 1, r.CountNotices(ctx, keiji.Filter{}).Data)
}

func TestNotice_NotFound(t *testing.T) {
	r, _ := newTestRepo(t)

	_, err := r.Notice(context.Background(), keiji.NoticeKey{Kind: 9, Code: 9, SeqNo: "x"})
	assert.ErrorIs(t, err, keiji.ErrNotFound)
}

func TestNotices_OrderAndPagination(t *testing.T) {
	var (
		ctx  = context.Background()
		r, _ = newTestRepo(t)
		in   []keiji.Notice
	)
	// Plenty of duplicate timestamps so the id tie-break matters
	for i := range 23 {
		in = append(in, notice(860+i%3, fmt.Sprintf("%03d", i), fmt.Sprintf("title %d", i), fmt.Sprintf("2025-09-%02dT10:00:00", 1+i%4)))
	}
	require.NoError(t, r.UpsertNotices(ctx, in))

	filters := []keiji.Filter{
		{},
		{TitleContains: "title 1"},
		{GenreName: "genre-861"},
		{TitleContains: "title", GenreName: "genre-862"},
	}
	for _, f := range filters {
		t.Run(fmt.Sprintf("%+v", f), func(t *testing.T) {
			all := r.Notices(ctx, f, keiji.Page{})
			require.False(t, all.Degraded())

			for i := 1; i < len(all.Data); i++ {
				prev, cur := all.Data[i-1], all.Data[i]
				if prev.PublishedAt == cur.PublishedAt {
					assert.Greater(t, prev.ID, cur.ID)
				} else {
					assert.Greater(t, prev.PublishedAt, cur.PublishedAt)
				}
			}

			for _, size := range []int{1, 4, 7} {
				var paged []keiji.Notice
				for offset := 0; ; offset += size {
					page := r.Notices(ctx, f, keiji.Page{Offset: offset, Limit: size})
					require.False(t, page.Degraded())
					if len(page.Data) == 0 {
						break
					}
					paged = append(paged, page.Data...)
				}
				assert.Equal(t, all.Data, paged)
			}

			assert.Equal(t, len(all.Data), r.CountNotices(ctx, f).Data)
		})
	}
}

func TestNotices_OffsetWithoutLimit(t *testing.T) {
	var (
		ctx  = context.Background()
		r, _ = newTestRepo(t)
	)
	require.NoError(t, r.UpsertNotices(ctx, []keiji.Notice{
		notice(862, "001", "a", "2025-09-03T00:00:00"),
		notice(862, "002", "b", "2025-09-02T00:00:00"),
		notice(862, "003", "c", "2025-09-01T00:00:00"),
	}))

	got := r.Notices(ctx, keiji.Filter{}, keiji.Page{Offset: 1})
	require.False(t, got.Degraded())
	require.Len(t, got.Data, 2)
	assert.Equal(t, "b", got.Data[0].Title)
}

func TestNotices_TitleFilterIsCaseSensitive(t *testing.T) {
	var (
		ctx  = context.Background()
		r, _ = newTestRepo(t)
	)
	require.NoError(t, r.UpsertNotices(ctx, []keiji.Notice{
		notice(862, "001", "TOEIC Exam", "2025-09-03T00:00:00"),
		notice(862, "002", "100% attendance", "2025-09-02T00:00:00"),
	}))

	assert.Len(t, r.Notices(ctx, keiji.Filter{TitleContains: "TOEIC"}, keiji.Page{}).Data, 1)
	assert.Empty(t, r.Notices(ctx, keiji.Filter{TitleContains: "toeic"}, keiji.Page{}).Data)
	// No wildcard semantics
	assert.Len(t, r.Notices(ctx, keiji.Filter{TitleContains: "%"}, keiji.Page{}).Data, 1)
	assert.Equal(t, 0, r.CountNotices(ctx, keiji.Filter{TitleContains: "_"}).Data)
}

func TestExpireNotices(t *testing.T) {
	var (
		ctx  = context.Background()
		r, p = newTestRepo(t)
		now  = time.Date(2025, 10, 1, 12, 0, 0, 0, time.Local)
	)

	past := notice(862, "001", "past", "2025-09-01T00:00:00")
	past.DisplayEnd = "2025-09-30T23:59:00"
	future := notice(862, "002", "future", "2025-09-01T00:00:00")
	future.DisplayEnd = "2025-11-01T00:00:00"
	open := notice(862, "003", "open", "2025-09-01T00:00:00")
	raw := notice(862, "004", "unparsed", "2025-09-01T00:00:00")
	raw.DisplayEnd = "2025年9月1日 まで"
	exact := notice(862, "005", "exactly now", "2025-09-01T00:00:00")
	exact.DisplayEnd = keiji.FormatTime(now)
	require.NoError(t, r.UpsertNotices(ctx, []keiji.Notice{past, future, open, raw, exact}))

	saves := p.saves
	deleted, err := r.ExpireNotices(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, saves+1, p.saves)

	var titles []string
	for _, n := range r.Notices(ctx, keiji.Filter{}, keiji.Page{}).Data {
		titles = append(titles, n.Title)
	}
	assert.ElementsMatch(t, []string{"future", "open", "unparsed", "exactly now"}, titles)

	// Nothing left to expire, so nothing is saved
	deleted, err = r.ExpireNotices(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Equal(t, saves+1, p.saves)
}

func TestUpsertNotices_FailedSaveRollsBack(t *testing.T) {
	var (
		ctx  = context.Background()
		r, p = newTestRepo(t)
	)
	require.NoError(t, r.UpsertNotices(ctx, []keiji.Notice{notice(862, "001", "kept", "2025-09-01T00:00:00")}))

	p.failSave = true
	err := r.UpsertNotices(ctx, []keiji.Notice{
		notice(862, "001", "overwritten", "2025-09-01T00:00:00"),
		notice(862, "002", "new", "2025-09-01T00:00:00"),
	})
	require.Error(t, err)

	got := r.Notices(ctx, keiji.Filter{}, keiji.Page{})
	require.False(t, got.Degraded())
	require.Len(t, got.Data, 1)
	assert.Equal(t, "kept", got.Data[0].Title)

	// The engine keeps working on the restored image, and closes cleanly
	p.failSave = false
	require.NoError(t, r.UpsertNotices(ctx, manyNotices(500)))
	assert.Equal(t, 501, r.CountNotices(ctx, keiji.Filter{}).Data)
	require.NoError(t, r.Close())
}

func manyNotices(n int) []keiji.Notice {
	notices := make([]keiji.Notice, 0, n)
	for i := range n {
		notices = append(notices, notice(861, fmt.Sprintf("%05d", i), fmt.Sprintf("notice %d", i), "2025-09-01T00:00:00"))
	}
	return notices
}

func TestRestart_FromBlobStore(t *testing.T) {
	var (
		ctx  = context.Background()
		path = filepath.Join(t.TempDir(), "hatumimi.db")
	)

	open := func() (*blobstore.Store, *Repo) {
		t.Helper()

		blobs, err := blobstore.Open(path)
		require.NoError(t, err)
		r, err := Open(ctx, blobs)
		require.NoError(t, err)
		require.NoError(t, r.SeedIfEmpty(ctx))
		return blobs, r
	}
	shutdown := func(blobs *blobstore.Store, r *Repo) {
		t.Helper()

		require.NoError(t, r.Close())
		require.NoError(t, blobs.Close())
	}

	// First boot
	blobs, r := open()
	require.NoError(t, r.UpsertNotices(ctx, []keiji.Notice{notice(862, "001", "first boot", "2025-09-01T00:00:00")}))
	shutdown(blobs, r)

	// Second boot grows the restored image well past its original size
	blobs, r = open()
	got := r.Notices(ctx, keiji.Filter{}, keiji.Page{})
	require.False(t, got.Degraded(), got.Reason)
	require.Len(t, got.Data, 1)
	assert.Equal(t, "first boot", got.Data[0].Title)
	require.NoError(t, r.UpsertNotices(ctx, manyNotices(2000)))
	shutdown(blobs, r)

	// Third boot sees everything, and the seed didn't run again
	blobs, r = open()
	defer shutdown(blobs, r)
	assert.Equal(t, 2001, r.CountNotices(ctx, keiji.Filter{}).Data)
	assert.Len(t, r.Genres(ctx).Data, 8)
}

func TestOpen_RestoresPersistedImage(t *testing.T) {
	ctx := context.Background()
	r, p := newTestRepo(t)
	require.NoError(t, r.UpsertNotices(ctx, []keiji.Notice{notice(862, "001", "persisted", "2025-09-01T00:00:00")}))

	reopened, err := Open(ctx, p)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Len(t, reopened.Genres(ctx).Data, 8)
	got := reopened.Notices(ctx, keiji.Filter{}, keiji.Page{})
	require.Len(t, got.Data, 1)
	assert.Equal(t, "persisted", got.Data[0].Title)
}

func TestReads_DegradeOnEngineFailure(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRepo(t)
	require.NoError(t, r.Close())

	genres := r.Genres(ctx)
	assert.True(t, genres.Degraded())
	assert.Empty(t, genres.Data)

	notices := r.Notices(ctx, keiji.Filter{}, keiji.Page{Limit: 10})
	assert.True(t, notices.Degraded())
	assert.Contains(t, notices.Reason, "error selecting notices")

	assert.True(t, r.CountNotices(ctx, keiji.Filter{}).Degraded())
}
