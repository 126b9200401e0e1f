// Package attachment renders structured attachment records (photos, videos,
// audio, documents, wall posts, links and forwarded messages) into message
// markup. Rendering is pure: thumbnails are only recorded as pending, never
// fetched here.
package attachment

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/vksync/internal/markup"
	"github.com/matheus3301/vksync/internal/message"
	"github.com/tidwall/gjson"
)

// DefaultMaxDepth bounds nesting of reposts and forwarded messages.
const DefaultMaxDepth = 8

const dateLayout = "January 2, 2006 15:04:05"

// Fragment is the rendered form of one attachment or forwarded message.
type Fragment struct {
	Text       string
	Thumbnails []message.Thumbnail
	Problems   []error
}

// Resolver renders attachments. It is safe for concurrent use.
type Resolver struct {
	siteURL  string
	maxDepth int
	loc      *time.Location
}

// NewResolver creates a resolver. siteURL is the base for permalinks
// (e.g. https://vk.com); maxDepth <= 0 selects DefaultMaxDepth; a nil loc
// formats dates in local time.
func NewResolver(siteURL string, maxDepth int, loc *time.Location) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{
		siteURL:  strings.TrimSuffix(siteURL, "/"),
		maxDepth: maxDepth,
		loc:      loc,
	}
}

// Resolve renders one attachment record ({"type": T, T: {...}}). unread
// controls whether photo, video and link previews are queued; base is the
// number of thumbnails the message already has, used to number placeholders.
func (r *Resolver) Resolve(raw gjson.Result, unread bool, base int) Fragment {
	w := r.newWriter(unread, base)
	w.attachment(raw, 0)
	return w.fragment()
}

// ResolveForward renders one forwarded message record.
func (r *Resolver) ResolveForward(raw gjson.Result, unread bool, base int) Fragment {
	w := r.newWriter(unread, base)
	w.forward(raw, 0)
	return w.fragment()
}

// FormatDate renders a unix timestamp the way fragments show dates.
func (r *Resolver) FormatDate(unix int64) string {
	return time.Unix(unix, 0).In(r.loc).Format(dateLayout)
}

type writer struct {
	r        *Resolver
	unread   bool
	base     int
	text     strings.Builder
	thumbs   []message.Thumbnail
	problems []error
}

func (r *Resolver) newWriter(unread bool, base int) *writer {
	return &writer{r: r, unread: unread, base: base}
}

func (w *writer) fragment() Fragment {
	return Fragment{Text: w.text.String(), Thumbnails: w.thumbs, Problems: w.problems}
}

func (w *writer) write(s string) { w.text.WriteString(s) }

// separate starts a new block when the fragment already has content.
func (w *writer) separate() {
	if w.text.Len() > 0 {
		w.write("<br>")
	}
}

func (w *writer) fail(err error) { w.problems = append(w.problems, err) }

func (w *writer) placeholder(url string) {
	token := message.PlaceholderToken(w.base + len(w.thumbs))
	w.write("<br>" + token)
	w.thumbs = append(w.thumbs, message.Thumbnail{Token: token, URL: url})
}

func (w *writer) anchor(url, text string) {
	fmt.Fprintf(&w.text, "<a href='%s'>%s</a>", markup.Attr(url), markup.Escape(text))
}

func (w *writer) tooDeep(depth int) bool {
	if depth <= w.r.maxDepth {
		return false
	}
	w.separate()
	w.write("[nested content omitted]")
	w.fail(fmt.Errorf("%w: depth %d exceeds %d", ErrDepthExceeded, depth, w.r.maxDepth))
	return true
}

func (w *writer) attachment(raw gjson.Result, depth int) {
	if w.tooDeep(depth) {
		return
	}
	typ := raw.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		w.fail(&FieldError{Missing: []string{"type"}})
		return
	}
	fields := raw.Get(gjson.Escape(typ.Str))
	if !fields.IsObject() {
		w.fail(&FieldError{Type: typ.Str, Missing: []string{typ.Str}})
		return
	}

	switch typ.Str {
	case "photo":
		w.photo(fields)
	case "video":
		w.video(fields)
	case "audio":
		w.audio(fields)
	case "doc":
		w.doc(fields)
	case "wall":
		w.wall(fields, depth)
	case "link":
		w.link(fields)
	default:
		w.separate()
		w.write("unknown attachment type: " + markup.Escape(typ.Str))
		w.fail(fmt.Errorf("%w: %s", ErrUnknownType, typ.Str))
	}
}

func (w *writer) photo(f gjson.Result) {
	if err := require(f, "photo", num("id"), num("owner_id"), str("text"), str("photo_604")); err != nil {
		w.fail(err)
		return
	}
	thumbnail := f.Get("photo_604").Str

	// Private photos have no permalink; link the largest size we were given.
	var url string
	if isString(f, "access_key") {
		url = thumbnail
		for _, size := range []string{"photo_2560", "photo_1280", "photo_807"} {
			if isString(f, size) {
				url = f.Get(size).Str
				break
			}
		}
	} else {
		url = fmt.Sprintf("%s/photo%d_%d", w.r.siteURL, f.Get("owner_id").Int(), f.Get("id").Uint())
	}

	text := f.Get("text").Str
	if text == "" {
		text = url
	}
	w.separate()
	w.anchor(url, text)
	if w.unread {
		w.placeholder(thumbnail)
	}
}

func (w *writer) video(f gjson.Result) {
	if err := require(f, "video", num("id"), num("owner_id"), str("title"), str("photo_320")); err != nil {
		w.fail(err)
		return
	}
	url := fmt.Sprintf("%s/video%d_%d", w.r.siteURL, f.Get("owner_id").Int(), f.Get("id").Uint())
	w.separate()
	w.anchor(url, f.Get("title").Str)
	if w.unread {
		w.placeholder(f.Get("photo_320").Str)
	}
}

func (w *writer) audio(f gjson.Result) {
	if err := require(f, "audio", str("url"), str("artist"), str("title")); err != nil {
		w.fail(err)
		return
	}
	w.separate()
	w.anchor(f.Get("url").Str, f.Get("artist").Str+" - "+f.Get("title").Str)
}

func (w *writer) doc(f gjson.Result) {
	if err := require(f, "doc", str("url"), str("title")); err != nil {
		w.fail(err)
		return
	}
	w.separate()
	w.anchor(f.Get("url").Str, f.Get("title").Str)
	if isString(f, "photo_130") {
		w.placeholder(f.Get("photo_130").Str)
	}
}

func (w *writer) wall(f gjson.Result, depth int) {
	if w.tooDeep(depth) {
		return
	}
	if err := require(f, "wall", num("id"), num("date"), str("text")); err != nil {
		w.fail(err)
		return
	}
	// Reposts carry only from_id.
	owner := f.Get("to_id")
	if owner.Type != gjson.Number {
		owner = f.Get("from_id")
	}
	if owner.Type != gjson.Number {
		w.fail(&FieldError{Type: "wall", Missing: []string{"to_id|from_id"}})
		return
	}

	w.separate()
	fmt.Fprintf(&w.text, "%s/wall%d_%d", w.r.siteURL, owner.Int(), f.Get("id").Uint())
	verb := "posted"
	if f.Get("copy_text").Exists() || f.Get("copy_history").Exists() {
		verb = "reposted"
	}
	fmt.Fprintf(&w.text, " %s on %s<br>", verb, w.r.FormatDate(f.Get("date").Int()))
	if isString(f, "copy_text") {
		w.write(markup.Escape(f.Get("copy_text").Str) + "<br>")
	}
	w.write(markup.Escape(f.Get("text").Str))

	if atts := f.Get("attachments"); atts.IsArray() {
		for _, a := range atts.Array() {
			w.attachment(a, depth+1)
		}
	}
	if history := f.Get("copy_history"); history.IsArray() {
		for _, h := range history.Array() {
			w.wall(h, depth+1)
		}
	}
}

func (w *writer) link(f gjson.Result) {
	if err := require(f, "link", str("url")); err != nil {
		w.fail(err)
		return
	}
	url := f.Get("url").Str
	w.separate()
	if title := f.Get("title").Str; title != "" {
		w.anchor(url, title)
	} else {
		w.write(markup.Escape(url))
	}
	if desc := f.Get("description").Str; desc != "" {
		w.write("<br>" + markup.Escape(desc))
	}
	if img := f.Get("image_src").Str; img != "" && w.unread {
		w.placeholder(img)
	}
}

func (w *writer) forward(f gjson.Result, depth int) {
	if w.tooDeep(depth) {
		return
	}
	if err := require(f, "forward", num("user_id"), num("date"), str("body")); err != nil {
		w.fail(err)
		return
	}
	text := fmt.Sprintf("Forwarded message (sent on %s):\n%s",
		w.r.FormatDate(f.Get("date").Int()), markup.Clean(f.Get("body").Str))
	w.separate()
	w.write(strings.ReplaceAll(text, "\n", "\n    > "))

	if atts := f.Get("attachments"); atts.IsArray() {
		for _, a := range atts.Array() {
			w.attachment(a, depth+1)
		}
	}
	if nested := f.Get("fwd_messages"); nested.IsArray() {
		for _, n := range nested.Array() {
			w.forward(n, depth+1)
		}
	}
}

type fieldSpec struct {
	name string
	typ  gjson.Type
}

func num(name string) fieldSpec { return fieldSpec{name: name, typ: gjson.Number} }
func str(name string) fieldSpec { return fieldSpec{name: name, typ: gjson.String} }

func require(f gjson.Result, typ string, fields ...fieldSpec) error {
	var missing []string
	for _, spec := range fields {
		if f.Get(spec.name).Type != spec.typ {
			missing = append(missing, spec.name)
		}
	}
	if len(missing) > 0 {
		return &FieldError{Type: typ, Missing: missing}
	}
	return nil
}

func isString(f gjson.Result, name string) bool {
	return f.Get(name).Type == gjson.String
}
