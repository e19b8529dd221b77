package census

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/census-cli/internal/geo"
	"github.com/sells-group/census-cli/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var reg = geo.DefaultRegistry()

const testBase = "http://test"

// stubFetcher serves canned bodies by exact URL and counts requests.
type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
}

func newStub(bodies map[string]string) *stubFetcher {
	return &stubFetcher{bodies: bodies, calls: make(map[string]int)}
}

func (s *stubFetcher) Get(_ context.Context, u string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[u]++
	body, ok := s.bodies[u]
	if !ok {
		return nil, &resilience.StatusError{Code: 404, URL: u}
	}
	return []byte(body), nil
}

func (s *stubFetcher) count(u string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[u]
}

func testURLs() *URLBuilder {
	return NewURLBuilder(testBase, "", reg)
}
