package codec

import (
	"bytes"
	"fmt"
	"strings"
)

// A4 in points, with a 10 mm margin on every side.
const (
	a4Width    = 595.28
	a4Height   = 841.89
	pageMargin = 28.35
)

// pdfPage is one JPEG image that gets a page of its own.
type pdfPage struct {
	jpeg          []byte
	width, height int
	gray          bool
}

// buildPDF writes a PDF 1.4 document with one A4 page per image. Each image
// is embedded as a DCTDecode XObject, scaled to fit the margins and centred.
func buildPDF(pages []pdfPage) []byte {
	var buf bytes.Buffer
	// Objects 1 and 2 are the catalog and page tree; each page then takes
	// three objects: the page, its content stream and its image.
	offsets := make([]int, 3+3*len(pages))
	begin := func(n int) {
		offsets[n] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n", n)
	}

	buf.WriteString("%PDF-1.4\n%\xE2\xE3\xCF\xD3\n")

	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 3+3*i)
	}
	begin(1)
	buf.WriteString("<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	begin(2)
	fmt.Fprintf(&buf, "<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n", strings.Join(kids, " "), len(pages))

	for i, pg := range pages {
		page, content, img := 3+3*i, 4+3*i, 5+3*i

		begin(page)
		fmt.Fprintf(&buf, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %.2f %.2f] /Resources << /XObject << /Im%d %d 0 R >> >> /Contents %d 0 R >>\nendobj\n",
			a4Width, a4Height, i, img, content)

		w, h := fitOnPage(pg.width, pg.height)
		stream := fmt.Sprintf("q %.2f 0 0 %.2f %.2f %.2f cm /Im%d Do Q", w, h, (a4Width-w)/2, (a4Height-h)/2, i)
		begin(content)
		fmt.Fprintf(&buf, "<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stream), stream)

		space := "/DeviceRGB"
		if pg.gray {
			space = "/DeviceGray"
		}
		begin(img)
		fmt.Fprintf(&buf, "<< /Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace %s /BitsPerComponent 8 /Filter /DCTDecode /Length %d >>\nstream\n",
			pg.width, pg.height, space, len(pg.jpeg))
		buf.Write(pg.jpeg)
		buf.WriteString("\nendstream\nendobj\n")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets))
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets), xref)
	return buf.Bytes()
}

// fitOnPage scales an image to the largest size that keeps its aspect ratio
// inside the page margins.
func fitOnPage(width, height int) (float64, float64) {
	maxW, maxH := a4Width-2*pageMargin, a4Height-2*pageMargin
	ratio := float64(width) / float64(height)
	if ratio > maxW/maxH {
		return maxW, maxW / ratio
	}
	return maxH * ratio, maxH
}
