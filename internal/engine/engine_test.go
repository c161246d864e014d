package engine

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/IshaanNene/enemscrape/internal/config"
	"github.com/IshaanNene/enemscrape/internal/observability"
	"github.com/IshaanNene/enemscrape/internal/storage"
	"github.com/IshaanNene/enemscrape/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

const testBase = "https://site.test"

// fakePage is a canned response. The first failures fetches return a
// transport error.
type fakePage struct {
	status   int
	body     string
	failures int
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]*fakePage
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[string]*fakePage), calls: make(map[string]int)}
}

func (f *fakeFetcher) set(url string, p *fakePage) {
	f.mu.Lock()
	f.pages[url] = p
	f.mu.Unlock()
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	url := req.URLString()

	f.mu.Lock()
	f.calls[url]++
	n := f.calls[url]
	p, ok := f.pages[url]
	f.mu.Unlock()

	if !ok {
		return types.NewBrowserResponse(req, 404, []byte("not found"), url, time.Millisecond), nil
	}
	if n <= p.failures {
		return nil, &types.FetchError{URL: url, Err: errors.New("connection reset by peer")}
	}
	status := p.status
	if status == 0 {
		status = 200
	}
	return types.NewBrowserResponse(req, status, []byte(p.body), url, time.Millisecond), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Site.BaseURL = testBase
	cfg.Engine.StartYear = 2015
	cfg.Engine.EndYear = 2015
	cfg.Engine.Concurrency = 4
	cfg.Engine.DiscoveryWorkers = 2
	cfg.Storage.OutputDir = t.TempDir()
	return cfg
}

func questionPage(number int, answer string, extra string) string {
	return fmt.Sprintf(`<html><body>
<span class="question-number">Questão %d</span>
<section class="question-content"><p>Passage for %d.</p>%s</section>
<section class="alternatives-introduction"><p>Prompt %d?</p></section>
<ol class="alternatives-list type-text"><li>A1</li><li>B1</li><li>C1</li><li>D1</li><li>E1</li></ol>
<div class="answer"><p>Gabarito</p><p>A resposta correta é %s.</p></div>
</body></html>`, number, number, extra, number, answer)
}

func listingPage(links map[types.Area][]string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for area, urls := range links {
		for _, u := range urls {
			fmt.Fprintf(&b, `<a area="%s" href="%s">q</a>`, area, u)
		}
	}
	b.WriteString("</body></html>")
	return b.String()
}

// --- Retry ---

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantCalls int
		wantErr   bool
	}{
		{"succeeds first time", 0, 1, false},
		{"fails twice", 2, 3, false},
		{"fails four times", 4, 5, false},
		{"fails five times", 5, 5, true},
		{"fails forever", 100, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			retries := 0
			p := retryPolicy{MaxAttempts: 5, OnRetry: func(int, error) { retries++ }}

			err := p.Do(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return errors.New("transient")
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
			if retries != calls-1 {
				t.Errorf("expected %d retries, got %d", calls-1, retries)
			}
			if tt.wantErr != (err != nil) {
				t.Fatalf("unexpected error state: %v", err)
			}
			if err != nil && !errors.Is(err, types.ErrMaxRetries) {
				t.Errorf("expected ErrMaxRetries, got %v", err)
			}
		})
	}
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := retryPolicy{MaxAttempts: 5, Delay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop on cancellation")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

// --- Accumulator ---

func TestAccumulatorConcurrentAdd(t *testing.T) {
	var acc Accumulator
	var wg sync.WaitGroup

	passing := 0
	for i := 0; i < 200; i++ {
		if i%3 == 0 {
			continue
		}
		passing++
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			acc.Add(&types.Question{Number: &n})
		}(i)
	}
	wg.Wait()

	if acc.Len() != passing {
		t.Errorf("expected %d rows, got %d", passing, acc.Len())
	}
	if len(acc.Rows()) != passing {
		t.Errorf("Rows() returned %d entries", len(acc.Rows()))
	}
}

// --- Discovery ---

func TestDiscoverListingURL(t *testing.T) {
	cfg := testConfig(t)
	d, err := NewDiscoverer(cfg, newFakeFetcher(), observability.NewMetrics(testLogger), testLogger)
	if err != nil {
		t.Fatal(err)
	}
	want := testBase + "/gabarito-enem/questoes/2012/?cor=amarelo&idioma=ingles"
	if got := d.ListingURL(2012); got != want {
		t.Errorf("ListingURL = %q, want %q", got, want)
	}
}

func TestDiscoverReturnsEveryYear(t *testing.T) {
	cfg := testConfig(t)
	f := newFakeFetcher()
	d, _ := NewDiscoverer(cfg, f, observability.NewMetrics(testLogger), testLogger)

	// 2010 lists links, 2011 recovers after two failures, 2012 never
	// responds, 2013 is not found.
	f.set(d.ListingURL(2010), &fakePage{body: listingPage(map[types.Area][]string{
		types.AreaMathematics: {"/q/2010/136", "/q/2010/137"},
		types.AreaLanguages:   {"/q/2010/1"},
	})})
	f.set(d.ListingURL(2011), &fakePage{failures: 2, body: listingPage(map[types.Area][]string{
		types.AreaHumanSciences: {"/q/2011/46"},
	})})
	f.set(d.ListingURL(2012), &fakePage{failures: 100})

	years := []int{2010, 2011, 2012, 2013}
	index := d.Discover(context.Background(), years, types.AllAreas())

	for _, y := range years {
		areas, ok := index[y]
		if !ok {
			t.Fatalf("year %d missing from index", y)
		}
		for _, a := range types.AllAreas() {
			if areas[a] == nil {
				t.Errorf("year %d area %s should be an empty slice, not nil", y, a)
			}
		}
	}

	math := index[2010][types.AreaMathematics]
	if len(math) != 2 || math[0] != testBase+"/q/2010/136" {
		t.Errorf("unexpected 2010 math links %v", math)
	}
	if len(index[2011][types.AreaHumanSciences]) != 1 {
		t.Errorf("2011 should recover after retries, got %v", index[2011])
	}
	if f.Calls(d.ListingURL(2011)) != 3 {
		t.Errorf("expected 3 fetches for 2011, got %d", f.Calls(d.ListingURL(2011)))
	}
	if f.Calls(d.ListingURL(2012)) != 5 {
		t.Errorf("expected 5 fetches for 2012, got %d", f.Calls(d.ListingURL(2012)))
	}
	if index.LinkCount() != 4 {
		t.Errorf("expected 4 links, got %d", index.LinkCount())
	}
}

// --- Extraction ---

func newTestExtractor(t *testing.T, f Fetcher) (*Extractor, *observability.Metrics) {
	t.Helper()
	m := observability.NewMetrics(testLogger)
	return NewExtractor(testConfig(t), f, f, m, testLogger), m
}

func TestExtractValidQuestion(t *testing.T) {
	f := newFakeFetcher()
	url := testBase + "/q/2015/42"
	f.set(url, &fakePage{body: questionPage(42, "C", "")})

	x, _ := newTestExtractor(t, f)
	q, err := x.Extract(context.Background(), url, t.TempDir())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if q == nil {
		t.Fatal("expected a record")
	}
	if q.Number == nil || *q.Number != 42 {
		t.Errorf("expected number 42, got %v", q.Number)
	}
	if q.Answer != "C" {
		t.Errorf("expected answer C, got %q", q.Answer)
	}
	if q.Context != "Passage for 42." || q.Prompt != "Prompt 42?" {
		t.Errorf("unexpected text %q / %q", q.Context, q.Prompt)
	}
	if len(q.Choices) != 5 || q.Choices[0] != "A1" {
		t.Errorf("unexpected choices %q", q.Choices)
	}
}

func TestExtractSkips(t *testing.T) {
	f := newFakeFetcher()
	f.set(testBase+"/q/notfound", &fakePage{status: 404})
	f.set(testBase+"/q/nocontext", &fakePage{body: `<html><body><div class="answer">é A.</div></body></html>`})
	f.set(testBase+"/q/noprompt", &fakePage{body: `<html><body>
<section class="question-content"><p>Passage</p></section>
<div class="answer"><p>é B.</p></div></body></html>`})
	f.set(testBase+"/q/noanswer", &fakePage{body: `<html><body>
<section class="question-content"><p>Passage</p></section>
<section class="alternatives-introduction">Prompt</section></body></html>`})
	f.set(testBase+"/q/emptycontext", &fakePage{body: `<html><body>
<section class="question-content">
   <p> </p>
</section>
<section class="alternatives-introduction">Prompt</section>
<div class="answer">é D.</div></body></html>`})

	x, m := newTestExtractor(t, f)
	for _, path := range []string{"notfound", "nocontext", "noprompt", "noanswer", "emptycontext"} {
		url := testBase + "/q/" + path
		q, err := x.Extract(context.Background(), url, t.TempDir())
		if err != nil || q != nil {
			t.Errorf("%s: expected skip, got %v, %v", path, q, err)
		}
		if f.Calls(url) != 1 {
			t.Errorf("%s: skips must not be retried, got %d fetches", path, f.Calls(url))
		}
	}

	if got := testutil.ToFloat64(m.QuestionsSkipped.WithLabelValues(skipInvalid)); got != 3 {
		t.Errorf("expected 3 invalid skips, got %v", got)
	}
	if got := testutil.ToFloat64(m.QuestionsSkipped.WithLabelValues(skipNoContext)); got != 1 {
		t.Errorf("expected 1 missing-context skip, got %v", got)
	}
}

func TestExtractAnswerWithoutLetter(t *testing.T) {
	tests := []struct {
		answer string
		want   string
	}{
		{"Gabarito: 3", "3"},
		{"...", ""},
	}

	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			f := newFakeFetcher()
			url := testBase + "/q/2015/55"
			body := strings.Replace(questionPage(55, "C", ""),
				`<div class="answer"><p>Gabarito</p><p>A resposta correta é C.</p></div>`,
				`<div class="answer">`+tt.answer+`</div>`, 1)
			f.set(url, &fakePage{body: body})

			x, _ := newTestExtractor(t, f)
			q, err := x.Extract(context.Background(), url, t.TempDir())
			if err != nil || q == nil {
				t.Fatalf("a non-empty answer section should yield a record, got %v, %v", q, err)
			}
			if q.Answer != tt.want {
				t.Errorf("expected answer %q, got %q", tt.want, q.Answer)
			}
		})
	}
}

func TestExtractRetries(t *testing.T) {
	tests := []struct {
		failures   int
		wantRecord bool
		wantCalls  int
	}{
		{0, true, 1},
		{2, true, 3},
		{4, true, 5},
		{5, false, 5},
		{9, false, 5},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("failures=%d", tt.failures), func(t *testing.T) {
			f := newFakeFetcher()
			url := testBase + "/q/2015/7"
			f.set(url, &fakePage{failures: tt.failures, body: questionPage(7, "A", "")})

			x, _ := newTestExtractor(t, f)
			q, err := x.Extract(context.Background(), url, t.TempDir())

			if tt.wantRecord && (q == nil || err != nil) {
				t.Fatalf("expected record, got %v, %v", q, err)
			}
			if !tt.wantRecord {
				if q != nil {
					t.Fatal("expected no record")
				}
				if !errors.Is(err, types.ErrMaxRetries) {
					t.Errorf("expected ErrMaxRetries, got %v", err)
				}
			}
			if f.Calls(url) != tt.wantCalls {
				t.Errorf("expected %d fetches, got %d", tt.wantCalls, f.Calls(url))
			}
		})
	}
}

func TestExtractDownloadsImages(t *testing.T) {
	f := newFakeFetcher()
	url := testBase + "/q/2015/90"
	body := strings.Replace(questionPage(90, "E", `<img src="/img/ctx.png">`),
		`<div class="answer">`,
		`<ol class="alternatives-list type-image"><li><img src="/img/a.png"></li><li><img src="/img/b.png"></li></ol><div class="answer">`, 1)
	f.set(url, &fakePage{body: body})
	f.set(testBase+"/img/ctx.png", &fakePage{body: "ctx"})
	f.set(testBase+"/img/a.png", &fakePage{body: "alt-a"})
	// first attempt at b.png fails, which retries the whole question
	f.set(testBase+"/img/b.png", &fakePage{body: "alt-b", failures: 1})

	outDir := t.TempDir()
	x, m := newTestExtractor(t, f)
	q, err := x.Extract(context.Background(), url, outDir)
	if err != nil || q == nil {
		t.Fatalf("extract: %v, %v", q, err)
	}

	imgDir := filepath.Join(outDir, "90-images")
	wantCtx := filepath.Join(imgDir, "context_img_0.png")
	if len(q.ContextImages) != 1 || q.ContextImages[0] != wantCtx {
		t.Errorf("unexpected context images %v", q.ContextImages)
	}

	// five text choices fill the row; image choices are still saved.
	for name, want := range map[string]string{"context_img_0.png": "ctx", "alt_img_0.png": "alt-a", "alt_img_1.png": "alt-b"} {
		data, err := os.ReadFile(filepath.Join(imgDir, name))
		if err != nil || string(data) != want {
			t.Errorf("%s: got %q, %v", name, data, err)
		}
	}

	entries, _ := os.ReadDir(imgDir)
	if len(entries) != 3 {
		t.Errorf("expected 3 files after retry, got %d", len(entries))
	}
	if f.Calls(url) != 2 {
		t.Errorf("expected question refetched once, got %d fetches", f.Calls(url))
	}
	if testutil.ToFloat64(m.Retries) != 1 {
		t.Errorf("expected 1 retry, got %v", testutil.ToFloat64(m.Retries))
	}

	// ctx and alt-a are saved on both attempts, alt-b only on the second.
	files, bytes := x.ImageStats()
	if files != 5 || bytes != int64(2*len("ctx")+2*len("alt-a")+len("alt-b")) {
		t.Errorf("unexpected image stats: %d files, %d bytes", files, bytes)
	}
}

func TestExtractImageChoicesOnly(t *testing.T) {
	f := newFakeFetcher()
	url := testBase + "/q/2015/no-number"
	f.set(url, &fakePage{body: `<html><body>
<section class="question-content"><p>Look at the figures.</p></section>
<section class="alternatives-introduction">Which one?</section>
<ol class="alternatives-list type-image"><li><img src="/img/1.png"></li><li><img src="/img/2.png"></li></ol>
<div class="answer">A resposta correta é B.</div>
</body></html>`})
	f.set(testBase+"/img/1.png", &fakePage{body: "one"})
	f.set(testBase+"/img/2.png", &fakePage{body: "two"})

	outDir := t.TempDir()
	x, _ := newTestExtractor(t, f)
	q, err := x.Extract(context.Background(), url, outDir)
	if err != nil || q == nil {
		t.Fatalf("extract: %v, %v", q, err)
	}

	imgDir := filepath.Join(outDir, "no-number-images")
	want := []string{filepath.Join(imgDir, "alt_img_0.png"), filepath.Join(imgDir, "alt_img_1.png")}
	if len(q.Choices) != 2 || q.Choices[0] != want[0] || q.Choices[1] != want[1] {
		t.Errorf("expected image paths as choices, got %q", q.Choices)
	}
	if q.Number != nil {
		t.Errorf("expected absent number, got %d", *q.Number)
	}
}

func TestImageDirName(t *testing.T) {
	n := 12
	tests := []struct {
		number *int
		url    string
		want   string
	}{
		{&n, "https://site.test/q/anything", "12-images"},
		{nil, "https://site.test/q/2015/questao-3", "questao-3-images"},
		{nil, "https://site.test/q/2015/questao-3/", "questao-3-images"},
		{nil, "https://site.test/", "question-images"},
	}
	for _, tt := range tests {
		if got := ImageDirName(tt.number, tt.url); got != tt.want {
			t.Errorf("ImageDirName(%v, %q) = %q, want %q", tt.number, tt.url, got, tt.want)
		}
	}
}

// --- Engine ---

func TestEngineEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Areas = []string{string(types.AreaMathematics)}

	f := newFakeFetcher()
	m := observability.NewMetrics(testLogger)
	store, err := storage.NewCSVStorage(cfg.Storage.OutputDir, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	e, err := New(cfg, f, f, store, m, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	valid := testBase + "/q/2015/140"
	missing := testBase + "/q/2015/141"
	flaky := testBase + "/q/2015/139"
	f.set(e.discoverer.ListingURL(2015), &fakePage{body: listingPage(map[types.Area][]string{
		types.AreaMathematics: {valid, missing, flaky},
	})})
	f.set(valid, &fakePage{body: questionPage(140, "D", "")})
	f.set(flaky, &fakePage{failures: 2, body: questionPage(139, "A", "")})

	summary, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Processed != 3 || summary.Accepted != 2 || summary.Skipped() != 1 || summary.Tables["csv"] != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.RunID == "" || summary.RunID != e.RunID() {
		t.Errorf("summary should carry the run id")
	}

	csvPath := storage.TablePath(cfg.Storage.OutputDir, 2015, types.AreaMathematics)
	file, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open CSV: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(records))
	}
	if records[1][0] != "139" || records[2][0] != "140" {
		t.Errorf("rows should be sorted by number, got %s then %s", records[1][0], records[2][0])
	}
	if records[1][8] != "A" || records[2][8] != "D" {
		t.Errorf("unexpected answers %q %q", records[1][8], records[2][8])
	}

	if got := testutil.ToFloat64(m.TablesWritten.WithLabelValues("csv")); got != 1 {
		t.Errorf("expected 1 table written, got %v", got)
	}
	if got := testutil.ToFloat64(m.QuestionsAccepted.WithLabelValues(string(types.AreaMathematics))); got != 2 {
		t.Errorf("expected 2 accepted questions, got %v", got)
	}
}

type failingStorage struct{}

func (failingStorage) Name() string                              { return "failing" }
func (failingStorage) Store(context.Context, *types.Table) error { return errors.New("disk full") }
func (failingStorage) Close() error                              { return nil }

func TestEngineStorageErrorsDoNotAbort(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.StartYear = 2014

	e, err := New(cfg, newFakeFetcher(), newFakeFetcher(), failingStorage{}, observability.NewMetrics(testLogger), testLogger)
	if err != nil {
		t.Fatal(err)
	}

	summary, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Years != 2 {
		t.Errorf("expected 2 years, got %d", summary.Years)
	}
	if summary.StorageErrors["failing"] != 2*len(types.AllAreas()) {
		t.Errorf("expected a storage error per table, got %v", summary.StorageErrors)
	}
	if summary.Tables["failing"] != 0 {
		t.Errorf("no table should count as written, got %v", summary.Tables)
	}
}

func TestEngineMirrorFailureKeepsCSVCount(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Areas = []string{string(types.AreaHumanSciences)}

	csvStore, err := storage.NewCSVStorage(cfg.Storage.OutputDir, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewMultiStorage([]storage.Storage{csvStore, failingStorage{}}, testLogger)

	f := newFakeFetcher()
	m := observability.NewMetrics(testLogger)
	e, err := New(cfg, f, f, store, m, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	link := testBase + "/q/2015/1"
	f.set(e.discoverer.ListingURL(2015), &fakePage{body: listingPage(map[types.Area][]string{
		types.AreaHumanSciences: {link},
	})})
	f.set(link, &fakePage{body: questionPage(1, "B", "")})

	summary, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Tables["csv"] != 1 || summary.StorageErrors["csv"] != 0 {
		t.Errorf("csv table should count as written, got tables %v errors %v", summary.Tables, summary.StorageErrors)
	}
	if summary.Tables["failing"] != 0 || summary.StorageErrors["failing"] != 1 {
		t.Errorf("mirror failure should be attributed to its backend, got tables %v errors %v", summary.Tables, summary.StorageErrors)
	}
	if _, err := os.Stat(storage.TablePath(cfg.Storage.OutputDir, 2015, types.AreaHumanSciences)); err != nil {
		t.Errorf("CSV should exist despite the mirror failure: %v", err)
	}
	if got := testutil.ToFloat64(m.TablesWritten.WithLabelValues("csv")); got != 1 {
		t.Errorf("expected 1 csv table, got %v", got)
	}
	if got := testutil.ToFloat64(m.StoreFailures.WithLabelValues("failing")); got != 1 {
		t.Errorf("expected 1 store failure, got %v", got)
	}
}

func TestEngineRejectsUnknownArea(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Areas = []string{"astrologia"}
	_, err := New(cfg, newFakeFetcher(), newFakeFetcher(), failingStorage{}, observability.NewMetrics(testLogger), testLogger)
	if err == nil {
		t.Error("expected error for unknown area")
	}
}

func TestFormatElapsed(t *testing.T) {
	d := 2*time.Hour + 3*time.Minute + 4*time.Second + 56*time.Millisecond
	if got := FormatElapsed(d); got != "2h3m4s56ms" {
		t.Errorf("FormatElapsed = %q", got)
	}
	if got := FormatElapsed(0); got != "0h0m0s0ms" {
		t.Errorf("FormatElapsed(0) = %q", got)
	}
}
