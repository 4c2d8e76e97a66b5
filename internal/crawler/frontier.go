package crawler

// frontier is the FIFO queue of discovered URLs plus the visited set of one crawl.
// Membership is always tested on the fragment-stripped form; the queued value keeps
// the original URL so the renderer receives it unchanged.
type frontier struct {
	queue   []string
	queued  map[string]struct{}
	visited map[string]struct{}
	order   []string
}

func newFrontier(seed string) *frontier {
	f := &frontier{
		queued:  make(map[string]struct{}),
		visited: make(map[string]struct{}),
	}
	f.push(seed)
	return f
}

func (f *frontier) len() int {
	return len(f.queue)
}

// push enqueues raw unless its normalized form was visited or is already queued.
func (f *frontier) push(raw string) bool {
	clean := StripFragment(raw)
	if _, ok := f.visited[clean]; ok {
		return false
	}
	if _, ok := f.queued[clean]; ok {
		return false
	}
	f.queued[clean] = struct{}{}
	f.queue = append(f.queue, raw)
	return true
}

// pop removes the head of the queue and returns it with its normalized form.
func (f *frontier) pop() (raw string, clean string) {
	raw = f.queue[0]
	f.queue[0] = ""
	f.queue = f.queue[1:]
	clean = StripFragment(raw)
	delete(f.queued, clean)
	return raw, clean
}

// visit marks clean as visited; it reports false when it already was.
func (f *frontier) visit(clean string) bool {
	if _, ok := f.visited[clean]; ok {
		return false
	}
	f.visited[clean] = struct{}{}
	f.order = append(f.order, clean)
	return true
}

func (f *frontier) seen(clean string) bool {
	_, ok := f.visited[clean]
	return ok
}

// visitedURLs returns the visited set in visitation order.
func (f *frontier) visitedURLs() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}
