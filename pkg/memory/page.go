package memory

// Attributes are the access rights of a single page.
type Attributes struct {
	Read  bool
	Write bool
	Exec  bool
}

var (
	AttrNone      = Attributes{}
	AttrRead      = Attributes{Read: true}
	AttrReadWrite = Attributes{Read: true, Write: true}
	AttrReadExec  = Attributes{Read: true, Exec: true}
)

func (a Attributes) String() string {
	b := []byte("---")
	if a.Read {
		b[0] = 'r'
	}
	if a.Write {
		b[1] = 'w'
	}
	if a.Exec {
		b[2] = 'x'
	}
	return string(b)
}

// Bits packs the attributes as r=1, w=2, x=4.
func (a Attributes) Bits() uint8 {
	var v uint8
	if a.Read {
		v |= 1
	}
	if a.Write {
		v |= 2
	}
	if a.Exec {
		v |= 4
	}
	return v
}

func AttributesFromBits(v uint8) Attributes {
	return Attributes{Read: v&1 != 0, Write: v&2 != 0, Exec: v&4 != 0}
}

// Page is one fixed-size block of guest memory. Pages are owned by a Memory
// and addressed only by page number.
type Page struct {
	attr   Attributes
	data   []byte
	shared bool
}

// Attr returns the page's access rights. They change only through
// Memory.SetPageAttr, which keeps the exec view and listeners in sync.
func (p *Page) Attr() Attributes {
	return p.attr
}

// NewPage allocates a zero-filled page.
func NewPage(size int, attr Attributes) *Page {
	return &Page{attr: attr, data: make([]byte, size)}
}

// NewPageFromData wraps data as a page. The slice is owned by the page afterwards.
func NewPageFromData(data []byte, attr Attributes) *Page {
	return &Page{attr: attr, data: data}
}

// Data returns the backing bytes. The shared zero page must never be modified.
func (p *Page) Data() []byte {
	return p.data
}

// IsZeroPage reports whether p is the shared read-only zero page.
func (p *Page) IsZeroPage() bool {
	return p.shared
}

func newZeroPage(size int) *Page {
	return &Page{attr: AttrRead, data: make([]byte, size), shared: true}
}
