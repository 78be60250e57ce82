package session

// Reduce returns a copy of s whose cache holds only the layers the next
// forward call over run will touch: [step, step+chunk) while the run is
// mid-chunk, nothing once it is finishing.
func Reduce(s Session, run ModelRun, chunk int) Session {
	out := Strip(s)
	current, ok := run.State.Current()
	if !ok {
		return out
	}
	for layer, kv := range s.KVCache {
		if layer >= current && layer < current+chunk {
			out.KVCache[layer] = KVPair{Key: kv.Key.Clone(), Value: kv.Value.Clone()}
		}
	}
	return out
}

// Strip returns a copy of s with an empty cache.
func Strip(s Session) Session {
	return Session{
		LogitProcessor: s.LogitProcessor,
		TokenStream:    s.TokenStream.Clone(),
		KVCache:        KVCache{},
	}
}

// Merge folds update's cache into base's. For a layer present in both, the
// update wins; every other field comes from base. Neither input is modified.
func Merge(base, update Session) Session {
	out := Session{
		LogitProcessor: base.LogitProcessor,
		TokenStream:    base.TokenStream.Clone(),
		KVCache:        make(KVCache, len(base.KVCache)+len(update.KVCache)),
	}
	for layer, kv := range base.KVCache {
		out.KVCache[layer] = kv
	}
	for layer, kv := range update.KVCache {
		out.KVCache[layer] = kv
	}
	return out
}
