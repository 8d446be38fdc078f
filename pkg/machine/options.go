package machine

import (
	"fmt"
	"strings"

	"rvemu/pkg/memory"
)

// DecoderCacheMode selects how decoded handlers are memoized.
type DecoderCacheMode int

const (
	// DecoderCacheOff decodes every instruction on every execution.
	DecoderCacheOff DecoderCacheMode = iota
	// DecoderCacheLazy fills a slot the first time its address executes.
	DecoderCacheLazy
	// DecoderCacheEager decodes the whole exec segment when it is mapped.
	DecoderCacheEager
)

func (m DecoderCacheMode) String() string {
	switch m {
	case DecoderCacheOff:
		return "off"
	case DecoderCacheLazy:
		return "lazy"
	case DecoderCacheEager:
		return "eager"
	default:
		return fmt.Sprintf("DecoderCacheMode(%d)", int(m))
	}
}

// ParseDecoderCacheMode accepts "off", "lazy" or "eager".
func ParseDecoderCacheMode(s string) (DecoderCacheMode, error) {
	switch strings.ToLower(s) {
	case "off", "none", "":
		return DecoderCacheOff, nil
	case "lazy":
		return DecoderCacheLazy, nil
	case "eager", "pregen":
		return DecoderCacheEager, nil
	}
	return DecoderCacheOff, fmt.Errorf("unknown decoder cache mode %q", s)
}

const (
	DefaultStackTop       = 0x7FFF_F000
	DefaultPageCacheDepth = 4
	MaxPageCacheDepth     = 64
)

// Options are fixed when a machine is constructed.
type Options struct {
	// PageSize is the guest page size in bytes, a power of two.
	PageSize int
	// Compressed enables the 2-byte RVC instruction path.
	Compressed   bool
	DecoderCache DecoderCacheMode
	// PageCacheDepth is the number of recently fetched pages remembered.
	PageCacheDepth int
	// MaxPages bounds guest memory. Zero means unlimited.
	MaxPages        int
	StackTop        uint32
	StrictAlignment bool
}

func DefaultOptions() Options {
	return Options{
		PageSize:       memory.DefaultPageSize,
		Compressed:     true,
		DecoderCache:   DecoderCacheLazy,
		PageCacheDepth: DefaultPageCacheDepth,
		StackTop:       DefaultStackTop,
	}
}

func (o *Options) normalize() error {
	if o.PageSize == 0 {
		o.PageSize = memory.DefaultPageSize
	}
	if o.StackTop == 0 {
		o.StackTop = DefaultStackTop
	}
	if o.PageCacheDepth < 0 || o.PageCacheDepth > MaxPageCacheDepth {
		return fmt.Errorf("page cache depth %d out of range [0, %d]", o.PageCacheDepth, MaxPageCacheDepth)
	}
	if o.DecoderCache < DecoderCacheOff || o.DecoderCache > DecoderCacheEager {
		return fmt.Errorf("invalid decoder cache mode %d", o.DecoderCache)
	}
	return nil
}
