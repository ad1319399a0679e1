package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// StaticFeed always answers with a fixed price that is fresh at read time.
type StaticFeed struct {
	mu       sync.Mutex
	answer   *big.Int
	decimals uint8
	round    int64
	now      func() time.Time
}

// NewStaticFeed builds a feed answering answer with the given decimals.
func NewStaticFeed(answer *big.Int, decimals uint8) *StaticFeed {
	return &StaticFeed{answer: new(big.Int).Set(answer), decimals: decimals, now: time.Now}
}

// Set replaces the answer.
func (s *StaticFeed) Set(answer *big.Int) {
	s.mu.Lock()
	s.answer = new(big.Int).Set(answer)
	s.mu.Unlock()
}

func (s *StaticFeed) LatestRoundData(ctx context.Context) (Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round++
	ts := uint64(s.now().Unix())
	return Round{
		RoundID:         big.NewInt(s.round),
		Answer:          new(big.Int).Set(s.answer),
		StartedAt:       ts,
		UpdatedAt:       ts,
		AnsweredInRound: big.NewInt(s.round),
	}, nil
}

func (s *StaticFeed) Decimals(ctx context.Context) (uint8, error) {
	return s.decimals, nil
}

var _ Feed = (*StaticFeed)(nil)
