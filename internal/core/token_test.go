package core

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuerUniqueUnderFrozenClock(t *testing.T) {
	clock := newFakeClock()
	issuer := NewTokenIssuer(clock.Now)

	const workers, perWorker = 8, 500
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, issuer.Issue())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, tok := range local {
				seen[tok] = struct{}{}
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestTokenFitsCallbackPayload(t *testing.T) {
	issuer := NewTokenIssuer(newFakeClock().Now)
	tok := issuer.Issue()

	secs, seq, ok := strings.Cut(tok, ".")
	require.True(t, ok)
	assert.NotEmpty(t, secs)
	assert.Equal(t, "1", seq)
	assert.NotContains(t, tok, ":")
	assert.LessOrEqual(t, len(categoryPayload(tok, 4)), 64)
}
