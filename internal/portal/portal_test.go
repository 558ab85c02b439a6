package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"

	"github.com/jdholdren/hatumimi/internal/keiji"
)

const testListing = `<html><body>
<table><tbody><tr><td>掲示板</td></tr></tbody></table>
<table>
<tbody>
<tr>
	<td>1</td>
	<td><a href="/campusweb/campussquare.do?_flowExecutionKey=e1s2&amp;_eventId=confirm&amp;keijitype=3&amp;genrecd=862&amp;seqNo=001"> 健康診断のお知らせ </a></td>
	<td>学生支援課</td>
	<td>重要</td>
	<td>2025年9月30日 11時18分42秒</td>
	<td>2025年9月10日 14時30分から2025年11月1日 0時0分まで</td>
</tr>
<tr><td colspan="6">--------</td></tr>
<tr>
	<td>2</td>
	<td><a href="/campusweb/campussquare.do?_eventId=confirm&amp;keijitype=3&amp;genrecd=862&amp;seqNo=002">図書館臨時休館</a></td>
	<td></td>
	<td></td>
	<td>2025年9月29日 9時0分0秒</td>
	<td></td>
</tr>
<tr>
	<td>3</td>
	<td><a href="/campusweb/campussquare.do?_eventId=confirm&amp;keijitype=3&amp;genrecd=862">seqNo missing</a></td>
</tr>
</tbody>
</table>
</body></html>`

const testDetail = `<html><body>
<div class="keiji-naiyo">第1回 健康診断を実施します。<br>日時: 10月1日<BR/>場所:&nbsp;体育館 &amp; 講堂</div>
<div class="keiji-detail">
<table><tr><th>添付ファイル</th><td><a href="/campusweb/download?fileId=1">案内.pdf</a><br><a href="download?fileId=2">地図.png</a></td></tr></table>
<table><tr><th>担当</th><td>学生支援課</td></tr></table>
<table><tr><th>連絡先</th><td>内線   1234</td></tr></table>
<table><tr><th>URL</th><td><a href="https://example.ac.jp/health">https://example.ac.jp/health</a></td></tr></table>
<table><tr><th>対象</th><td>全学生</td></tr></table>
<table><tr><th>学年</th><th>期限</th></tr><tr><td>1年</td><td>10月</td></tr></table>
<table><tr><th>備考</th><td>なし</td></tr></table>
<table><tr><td>a</td><td>b</td><td>c</td></tr></table>
</div>
</body></html>`

var testGenre = keiji.Genre{Kind: 3, Code: 862, Name: "学生生活"}

func TestExtractNotices(t *testing.T) {
	notices, err := ExtractNotices(testGenre, strings.NewReader(testListing))
	require.NoError(t, err)
	require.Len(t, notices, 2)

	assert.Equal(t, keiji.Notice{
		Kind:         3,
		Code:         862,
		SeqNo:        "001",
		GenreName:    "学生生活",
		Title:        "健康診断のお知らせ",
		PublishedAt:  "2025-09-30T11:18:42",
		DisplayStart: "2025-09-10T14:30:00",
		DisplayEnd:   "2025-11-01T00:00:00",
	}, notices[0])

	assert.Equal(t, "002", notices[1].SeqNo)
	assert.Equal(t, "図書館臨時休館", notices[1].Title)
	assert.Equal(t, "2025-09-29T09:00:00", notices[1].PublishedAt)
	assert.Empty(t, notices[1].DisplayStart)
	assert.Empty(t, notices[1].DisplayEnd)
}

func TestExtractNotices_NoListing(t *testing.T) {
	notices, err := ExtractNotices(testGenre, strings.NewReader(`<html><body><p>ログインしてください</p></body></html>`))
	require.NoError(t, err)
	assert.Empty(t, notices)
}

func TestExtractDetail(t *testing.T) {
	base, _ := url.Parse("https://portal.example.ac.jp/campusweb/campussquare.do?_flowExecutionKey=e1s3")

	detail, err := ExtractDetail(strings.NewReader(testDetail), base)
	require.NoError(t, err)

	assert.Equal(t, "第1回 健康診断を実施します。\n日時: 10月1日\n場所: 体育館 & 講堂", detail.Content)
	assert.Equal(t, []keiji.Attachment{
		{Name: "案内.pdf", DownloadURL: "https://portal.example.ac.jp/campusweb/download?fileId=1"},
		{Name: "地図.png", DownloadURL: "https://portal.example.ac.jp/campusweb/download?fileId=2"},
	}, detail.Attachments)
	assert.Equal(t, []keiji.URLTable{
		{URLs: []string{"https://example.ac.jp/health"}},
	}, detail.URLTables)
	assert.Equal(t, []keiji.Table{
		// Adjacent key/value fragments merge
		{Rows: [][]string{{"担当", "学生支援課"}, {"連絡先", "内線 1234"}}},
		// A URL table in between breaks the run
		{Rows: [][]string{{"対象", "全学生"}}},
		// Alternating rows convert to pairs but never merge
		{Rows: [][]string{{"学年", "1年"}, {"期限", "10月"}}},
		{Rows: [][]string{{"備考", "なし"}}},
		{Rows: [][]string{{"a", "b", "c"}}},
	}, detail.Tables)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		html  string
		shape tableShape
	}{
		{"key value", `<table><tr><th>k</th><td>v</td></tr><tr><th>k2</th><td>v2</td></tr></table>`, shapeKeyValueRows},
		{"alternating", `<table><tr><th>a</th><th>b</th></tr><tr><td>1</td><td>2</td></tr><tr><th>c</th></tr><tr><td>3</td></tr></table>`, shapeAlternatingPairs},
		{"alternating width mismatch", `<table><tr><th>a</th><th>b</th></tr><tr><td>1</td></tr></table>`, shapeIrregular},
		{"attachment", `<table><tr><th>attachment</th><td><a href="x">x</a></td></tr></table>`, shapeAttachmentList},
		{"url", `<table><tr><th>URL</th><td>https://example.com</td></tr></table>`, shapeURLList},
		{"value first", `<table><tr><td>v</td><th>k</th></tr></table>`, shapeIrregular},
		{"empty", `<table></table>`, shapeIrregular},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := mustDoc(t, tt.html)
			b := classify(doc.Find("table").First(), &url.URL{})
			assert.Equal(t, tt.shape, b.shape)
		})
	}
}

func TestExtractDetail_NoTablesNoBody(t *testing.T) {
	detail, err := ExtractDetail(strings.NewReader(`<html><body></body></html>`), nil)
	require.NoError(t, err)

	assert.Empty(t, detail.Content)
	assert.Empty(t, detail.Tables)
	assert.Empty(t, detail.Attachments)
	assert.Empty(t, detail.URLTables)
}

// fakePortal is a minimal campussquare: the menu hands out e1s1, a genre
// listing redirects to e1s2, and confirm serves the detail page.
type fakePortal struct {
	session   string // Required JSESSIONID, if set
	noFlowKey bool
	failures  atomic.Int32 // Number of 503s to answer before behaving
	requests  atomic.Int32
	listing   string
	detail    string
	sjis      bool

	mu         sync.Mutex
	lastParams url.Values
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.requests.Add(1)
	if p.failures.Load() > 0 {
		p.failures.Add(-1)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if r.URL.Path == "/campusweb/login.do" {
		fmt.Fprint(w, "<html>ログイン</html>")
		return
	}
	if p.session != "" {
		c, err := r.Cookie(DefaultSessionCookie)
		if err != nil || c.Value != p.session {
			http.Redirect(w, r, "/campusweb/login.do", http.StatusFound)
			return
		}
	}

	q := r.URL.Query()
	p.mu.Lock()
	p.lastParams = q
	p.mu.Unlock()
	switch {
	case q.Get("_flowId") == "KJW0001100-flow":
		if p.noFlowKey {
			fmt.Fprint(w, "<html>menu</html>")
			return
		}
		http.Redirect(w, r, "/campusweb/campussquare.do?_flowExecutionKey=e1s1", http.StatusFound)
	case q.Get("_eventId") == "dispKeijiListGenre":
		http.Redirect(w, r, fmt.Sprintf("/campusweb/campussquare.do?_flowExecutionKey=e1s2&view=list&keijitype=%s&genrecd=%s", q.Get("keijitype"), q.Get("genrecd")), http.StatusFound)
	case q.Get("view") == "list":
		p.write(w, p.listing)
	case q.Get("_eventId") == "confirm":
		if q.Get("_flowExecutionKey") != "e1s2" {
			http.Error(w, "stale flow", http.StatusBadRequest)
			return
		}
		p.write(w, p.detail)
	default:
		fmt.Fprint(w, "<html>menu</html>")
	}
}

func (p *fakePortal) write(w http.ResponseWriter, body string) {
	if !p.sjis {
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		fmt.Fprint(w, body)
		return
	}

	encoded, err := japanese.ShiftJIS.NewEncoder().String(body)
	if err != nil {
		panic(err)
	}
	w.Header().Set("Content-Type", "text/html; charset=Shift_JIS")
	fmt.Fprint(w, encoded)
}

func newTestClient(t *testing.T, p *fakePortal) *Client {
	t.Helper()

	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Retries: 2})
	require.NoError(t, err)

	return c
}

func TestClient_FlowKey(t *testing.T) {
	c := newTestClient(t, &fakePortal{})

	key, err := c.FlowKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "e1s1", key)
}

func TestClient_FlowKeyMissing(t *testing.T) {
	c := newTestClient(t, &fakePortal{noFlowKey: true})

	_, err := c.FlowKey(context.Background())
	assert.ErrorIs(t, err, keiji.ErrNoFlowKey)
}

func TestClient_RetriesUnavailable(t *testing.T) {
	p := &fakePortal{}
	p.failures.Store(2)
	c := newTestClient(t, p)

	key, err := c.FlowKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "e1s1", key)
	assert.GreaterOrEqual(t, p.requests.Load(), int32(3))
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	p := &fakePortal{}
	p.failures.Store(10)
	c := newTestClient(t, p)

	_, err := c.FlowKey(context.Background())
	require.Error(t, err)

	var se errStatus
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.code)
}

func TestClient_GenreNotices(t *testing.T) {
	for _, sjis := range []bool{false, true} {
		t.Run(fmt.Sprintf("sjis=%v", sjis), func(t *testing.T) {
			p := &fakePortal{listing: testListing, sjis: sjis}
			c := newTestClient(t, p)

			notices, err := c.GenreNotices(context.Background(), "e1s1", testGenre)
			require.NoError(t, err)
			require.Len(t, notices, 2)
			assert.Equal(t, "健康診断のお知らせ", notices[0].Title)
			assert.Equal(t, "学生生活", notices[0].GenreName)
		})
	}
}

func TestClient_NoticeDetail(t *testing.T) {
	p := &fakePortal{listing: testListing, detail: testDetail}
	c := newTestClient(t, p)

	detail, err := c.NoticeDetail(context.Background(), keiji.NoticeKey{Kind: 3, Code: 862, SeqNo: "001"})
	require.NoError(t, err)

	p.mu.Lock()
	assert.Equal(t, "001", p.lastParams.Get("seqNo"))
	p.mu.Unlock()
	assert.Contains(t, detail.Content, "健康診断")
	require.Len(t, detail.Attachments, 2)
	assert.True(t, strings.HasSuffix(detail.Attachments[0].DownloadURL, "/campusweb/download?fileId=1"))
}

func TestCookieActivator(t *testing.T) {
	var (
		ctx = context.Background()
		p   = &fakePortal{session: "good", listing: testListing}
		c   = newTestClient(t, p)
		a   = NewCookieActivator(c, "")
	)

	ok, err := a.Activate(ctx, keiji.User{ID: "u1"})
	require.NoError(t, err)
	assert.False(t, ok, "no session to activate")

	ok, err = a.Activate(ctx, keiji.User{ID: "u1", PortalSession: "stale"})
	require.NoError(t, err)
	assert.False(t, ok, "portal bounces stale sessions to login")

	ok, err = a.Activate(ctx, keiji.User{ID: "u1", PortalSession: "good"})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.GenreNotices(ctx, "e1s1", testGenre)
	require.NoError(t, err)

	require.NoError(t, a.Deactivate(ctx))
	_, err = c.FlowKey(ctx)
	assert.ErrorIs(t, err, keiji.ErrNoFlowKey)
}

func TestCookieActivator_SharedSession(t *testing.T) {
	var (
		ctx = context.Background()
		p   = &fakePortal{session: "good", listing: testListing, detail: testDetail}
		c   = newTestClient(t, p)
		a   = NewCookieActivator(c, "")
		usr = keiji.User{ID: "u1", PortalSession: "good"}
	)

	// A sync pass and a detail fetch hold the same session
	for range 2 {
		ok, err := a.Activate(ctx, usr)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// The pass finishing must not log the detail fetch out
	require.NoError(t, a.Deactivate(ctx))
	_, err := c.NoticeDetail(ctx, keiji.NoticeKey{Kind: 3, Code: 862, SeqNo: "001"})
	require.NoError(t, err)

	require.NoError(t, a.Deactivate(ctx))
	_, err = c.FlowKey(ctx)
	assert.ErrorIs(t, err, keiji.ErrNoFlowKey, "jar is cleared after the last release")

	// Extra releases are harmless
	assert.NoError(t, a.Deactivate(ctx))
}

func TestCookieActivator_OtherSessionWaits(t *testing.T) {
	var (
		ctx = context.Background()
		p   = &fakePortal{session: "good", listing: testListing}
		c   = newTestClient(t, p)
		a   = NewCookieActivator(c, "")
	)

	ok, err := a.Activate(ctx, keiji.User{ID: "u1", PortalSession: "good"})
	require.NoError(t, err)
	require.True(t, ok)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = a.Activate(short, keiji.User{ID: "u2", PortalSession: "other"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan bool)
	go func() {
		ok, err := a.Activate(ctx, keiji.User{ID: "u2", PortalSession: "good2"})
		assert.NoError(t, err)
		done <- ok
	}()

	// u1's session stays usable while u2 waits
	_, err = c.GenreNotices(ctx, "e1s1", testGenre)
	require.NoError(t, err)
	select {
	case <-done:
		t.Fatal("activated while another session was held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, a.Deactivate(ctx))
	select {
	case ok := <-done:
		assert.False(t, ok, "the portal only knows the first session")
	case <-time.After(time.Second):
		t.Fatal("waiting activation never ran")
	}
}

func TestClient_GenreNotices_LoggedOut(t *testing.T) {
	c := newTestClient(t, &fakePortal{session: "good", listing: testListing})

	notices, err := c.GenreNotices(context.Background(), "e1s1", testGenre)
	assert.ErrorIs(t, err, keiji.ErrSessionInactive)
	assert.Empty(t, notices)
}

func TestExtractDetail_FallbackContent(t *testing.T) {
	page := `<html><head><title>お知らせ</title></head><body>
<div id="menu"><a href="/a">メニュー</a></div>
<div class="main"><p>奨学金の申請期限は10月31日です。<br>遅れないように提出してください。申請書は学生支援課の窓口で受け取れます。必要書類を揃えたうえで提出すること。</p>
<p>詳細は掲示板を確認してください。問い合わせは学生支援課まで。<script>alert(1)</script></p></div>
</body></html>`

	detail, err := ExtractDetail(strings.NewReader(page), nil)
	require.NoError(t, err)

	assert.Contains(t, detail.Content, "奨学金の申請期限は10月31日です。")
	assert.Contains(t, detail.Content, "遅れないように提出してください。")
	assert.NotContains(t, detail.Content, "alert")
	assert.NotContains(t, detail.Content, "<")
}
