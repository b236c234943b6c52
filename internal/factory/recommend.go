package factory

import "sort"

// Capability names a feature an adapter supports.
type Capability string

const (
	CapTransactions Capability = "transactions"
	CapIndexes      Capability = "indexes"
	CapAggregation  Capability = "aggregation"
	CapPersistence  Capability = "persistence"
	CapSQL          Capability = "sql"
	CapFullScan     Capability = "full-scan-search"
)

// Tier is a coarse throughput/scalability class.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Profile is the static performance profile of one adapter type.
type Profile struct {
	ReadTier     Tier
	WriteTier    Tier
	QueryTier    Tier
	Scalability  Tier
	Persistent   bool
	Distributed  bool
	Transactions bool
}

var capabilities = map[BackendType][]Capability{
	Memory:     {CapIndexes, CapFullScan},
	Embedded:   {CapPersistence, CapFullScan},
	Relational: {CapTransactions, CapIndexes, CapAggregation, CapPersistence, CapSQL},
}

var profiles = map[BackendType]Profile{
	Memory: {
		ReadTier: TierHigh, WriteTier: TierHigh, QueryTier: TierMedium,
		Scalability: TierLow, Persistent: false, Distributed: false, Transactions: false,
	},
	Embedded: {
		ReadTier: TierMedium, WriteTier: TierMedium, QueryTier: TierMedium,
		Scalability: TierLow, Persistent: true, Distributed: false, Transactions: false,
	},
	Relational: {
		ReadTier: TierMedium, WriteTier: TierMedium, QueryTier: TierHigh,
		Scalability: TierHigh, Persistent: true, Distributed: false, Transactions: true,
	},
}

// Capabilities returns the static capability list of an adapter type.
func Capabilities(t BackendType) []Capability {
	caps := capabilities[t]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

// ProfileOf returns the static performance profile of an adapter type.
func ProfileOf(t BackendType) Profile {
	return profiles[t]
}

// Requirements describes the host's non-functional needs for scoring.
type Requirements struct {
	Environment     string // "server", "edge", "test"
	DataSize        Tier   // low / medium / high volume
	QueryComplexity Tier   // low = key lookups, high = complex predicates
	Scalability     Tier
	Persistence     bool
	Consistency     Tier // need for transactional consistency
	Budget          Tier // low = no extra infrastructure
}

// Recommendation is one scored candidate. Higher scores rank first.
type Recommendation struct {
	Backend  BackendType
	Score    int
	Reasons  []string
	Warnings []string
}

// Recommend ranks the known adapter types against the requirements using
// additive per-dimension scoring. Advisory only: nothing switches backends
// based on this.
func Recommend(req Requirements) []Recommendation {
	out := make([]Recommendation, 0, len(profiles))
	for _, t := range []BackendType{Memory, Embedded, Relational} {
		out = append(out, score(t, req))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func score(t BackendType, req Requirements) Recommendation {
	p := profiles[t]
	rec := Recommendation{Backend: t}

	add := func(n int, reason string) {
		rec.Score += n
		rec.Reasons = append(rec.Reasons, reason)
	}
	warn := func(reason string) {
		rec.Warnings = append(rec.Warnings, reason)
	}

	if req.Persistence {
		if p.Persistent {
			add(3, "persists across restarts")
		} else {
			warn("data is lost on restart")
			rec.Score -= 3
		}
	} else if !p.Persistent {
		add(2, "no durability overhead for ephemeral data")
	}

	switch req.QueryComplexity {
	case TierHigh:
		if p.QueryTier == TierHigh {
			add(3, "handles complex predicates efficiently")
		} else {
			warn("complex queries fall back to full scans")
		}
	case TierLow:
		if p.ReadTier == TierHigh {
			add(2, "fast key lookups")
		}
	}

	if req.Scalability == TierHigh {
		if p.Scalability == TierHigh {
			add(3, "scales with dataset growth")
		} else {
			warn("bounded by a single process")
		}
	}

	if req.Consistency == TierHigh {
		if p.Transactions {
			add(2, "transactional writes")
		} else {
			warn("no transaction support")
		}
	}

	if req.Budget == TierLow && t == Relational {
		rec.Score -= 2
		warn("requires a database server to operate")
	}

	if req.DataSize == TierHigh && t == Memory {
		warn("large datasets are held entirely in process memory")
		rec.Score--
	}

	switch req.Environment {
	case "test":
		if t == Memory {
			add(2, "zero-setup backend for tests")
		}
	case "edge":
		if t == Embedded {
			add(2, "single-file store suits constrained hosts")
		}
	}

	return rec
}
