package core

import "pkt.systems/easel/schema"

// LayoutOptions sizes and spaces agent cards.
type LayoutOptions struct {
	CardWidth  float64
	CardHeight float64
	Gap        float64
}

// DefaultLayout returns the default card geometry.
func DefaultLayout() LayoutOptions {
	return LayoutOptions{CardWidth: 480, CardHeight: 240, Gap: 24}
}

func (o LayoutOptions) normalized() LayoutOptions {
	def := DefaultLayout()
	if o.CardWidth <= 0 {
		o.CardWidth = def.CardWidth
	}
	if o.CardHeight <= 0 {
		o.CardHeight = def.CardHeight
	}
	if o.Gap < 0 {
		o.Gap = def.Gap
	}
	return o
}

// Place returns the top-left corner for a new card: directly beneath the
// lowest of the existing cards (a vertical timeline), or centred in the
// viewport when there are none.
func Place(existing []schema.Rect, viewport schema.Rect, opts LayoutOptions) (float64, float64) {
	opts = opts.normalized()
	if len(existing) == 0 {
		cx, cy := viewport.Center()
		return cx - opts.CardWidth/2, cy - opts.CardHeight/2
	}
	lowest := existing[0]
	for _, r := range existing[1:] {
		if r.Bottom() > lowest.Bottom() {
			lowest = r
		}
	}
	return lowest.X, lowest.Bottom() + opts.Gap
}
