// Package pdfvector extracts point clouds from PDF page content streams
// for the ICP refiner's optional vector path: lines, cubic Beziers
// sampled uniformly at 8 steps, and rectangles decomposed to edges. The
// tokenizer recognizes five path operators; it is a geometry extractor,
// not a PDF interpreter.
package pdfvector

import (
	"bytes"
	"strconv"

	"github.com/paulmach/orb"
)

// bezierSteps is the fixed sampling rate for flattening cubic Bezier
// curves into point-cloud vertices.
const bezierSteps = 8

// ExtractPoints walks a single PDF page's content stream and returns the
// vertices of every path-construction operator it recognizes, flattened
// to a single point cloud in PDF user-space units.
//
// Recognized operators: m (moveto), l (lineto), c (cubic Bezier), re
// (rectangle, decomposed into its four edges' endpoints). Anything else
// (text, images, clipping, color) is skipped; this is a geometry
// extractor, not a renderer.
func ExtractPoints(contentStream []byte) []orb.Point {
	toks := tokenize(contentStream)

	var points []orb.Point
	var current orb.Point
	var operands []float64

	flushRect := func(x, y, w, h float64) {
		corners := []orb.Point{
			{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}, {x, y},
		}
		points = append(points, corners...)
	}

	for _, tok := range toks {
		if n, ok := parseNumber(tok); ok {
			operands = append(operands, n)
			continue
		}

		switch tok {
		case "m":
			if len(operands) >= 2 {
				x, y := operands[len(operands)-2], operands[len(operands)-1]
				current = orb.Point{x, y}
				points = append(points, current)
			}
		case "l":
			if len(operands) >= 2 {
				x, y := operands[len(operands)-2], operands[len(operands)-1]
				current = orb.Point{x, y}
				points = append(points, current)
			}
		case "c":
			if len(operands) >= 6 {
				n := len(operands)
				p1 := orb.Point{operands[n-6], operands[n-5]}
				p2 := orb.Point{operands[n-4], operands[n-3]}
				p3 := orb.Point{operands[n-2], operands[n-1]}
				points = append(points, flattenCubic(current, p1, p2, p3, bezierSteps)...)
				current = p3
			}
		case "re":
			if len(operands) >= 4 {
				n := len(operands)
				flushRect(operands[n-4], operands[n-3], operands[n-2], operands[n-1])
				current = orb.Point{operands[n-4], operands[n-3]}
			}
		case "h":
			// closepath: no new vertex, current point returns to the
			// subpath start, which has already been recorded by "m".
		}

		if tok == "m" || tok == "l" || tok == "c" || tok == "re" || tok == "h" {
			operands = operands[:0]
		}
	}

	return points
}

// flattenCubic samples a cubic Bezier curve at `steps` uniform parameter
// values, excluding t=0, which is already the current point.
func flattenCubic(p0, p1, p2, p3 orb.Point, steps int) []orb.Point {
	out := make([]orb.Point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		out = append(out, cubicAt(p0, p1, p2, p3, t))
	}
	return out
}

func cubicAt(p0, p1, p2, p3 orb.Point, t float64) orb.Point {
	mt := 1 - t
	a := mt * mt * mt
	b := 3 * mt * mt * t
	c := 3 * mt * t * t
	d := t * t * t
	return orb.Point{
		a*p0[0] + b*p1[0] + c*p2[0] + d*p3[0],
		a*p0[1] + b*p1[1] + c*p2[1] + d*p3[1],
	}
}

// tokenize splits a content stream into whitespace-delimited tokens,
// treating PDF names, strings, and arrays as opaque (skipped) since the
// geometry operators this package cares about only ever take numeric
// operands.
func tokenize(data []byte) []string {
	var toks []string
	var cur bytes.Buffer
	depth := 0
	for _, b := range data {
		switch {
		case b == '(' || b == '[':
			depth++
		case b == ')' || b == ']':
			if depth > 0 {
				depth--
			}
		}
		if depth > 0 {
			continue
		}
		if b == ' ' || b == '\t' || b == '\r' || b == '\n' {
			if cur.Len() > 0 {
				toks = append(toks, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteByte(b)
	}
	if cur.Len() > 0 {
		toks = append(toks, cur.String())
	}
	return toks
}

func parseNumber(tok string) (float64, bool) {
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ExtractFromPDF scans raw PDF bytes for uncompressed content streams
// (`stream`/`endstream` delimited bodies that look like plain text; the
// /Filter entry is not read) and extracts their path geometry. PDFs
// whose content streams are compressed (FlateDecode, the common case) yield no points here; callers treat
// an empty result the same as "no vector points available" and fall
// back to the raster SIFT path. A full xref-walking PDF parser is out
// of scope for this extractor.
func ExtractFromPDF(docBytes []byte) []orb.Point {
	var points []orb.Point
	const startMarker = "stream"
	const endMarker = "endstream"

	pos := 0
	for {
		idx := bytes.Index(docBytes[pos:], []byte(startMarker))
		if idx < 0 {
			break
		}
		start := pos + idx + len(startMarker)
		// Skip the CR/LF immediately following the "stream" keyword.
		for start < len(docBytes) && (docBytes[start] == '\r' || docBytes[start] == '\n') {
			start++
		}
		end := bytes.Index(docBytes[start:], []byte(endMarker))
		if end < 0 {
			break
		}
		end += start

		// Heuristic: an uncompressed content stream is printable ASCII
		// dominated by digits, operators, and whitespace. A binary
		// (compressed) stream will contain a high proportion of
		// non-printable bytes; skip those rather than tokenizing noise.
		if looksLikeContentStream(docBytes[start:end]) {
			points = append(points, ExtractPoints(docBytes[start:end])...)
		}

		pos = end + len(endMarker)
	}

	return points
}

func looksLikeContentStream(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	printable := 0
	for _, b := range data {
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return float64(printable)/float64(len(data)) > 0.95
}

// LayerVote is one drawing layer's observed translation between an old
// and new PDF, keyed by its OCG (optional content group) layer name.
type LayerVote struct {
	LayerName string
	Tx, Ty    float64
}

// MinVotesForLayerTranslation is the floor below which the layer-vote
// estimator falls back to the raster RANSAC path.
const MinVotesForLayerTranslation = 4

// VoteTranslation implements the layer-vote translation estimator: given
// matching per-layer point clouds from the old and new
// documents' OCG layers, it computes each layer's centroid displacement
// as one vote and returns the median vote, which is robust to a handful
// of layers whose content actually changed between revisions.
//
// ok is false when fewer than MinVotesForLayerTranslation layers
// produced a vote; callers fall back to the raster SIFT path.
func VoteTranslation(oldLayers, newLayers map[string][]orb.Point) (tx, ty float64, ok bool) {
	var votes []LayerVote
	for name, oldPts := range oldLayers {
		newPts, present := newLayers[name]
		if !present || len(oldPts) == 0 || len(newPts) == 0 {
			continue
		}
		oldC := centroid(oldPts)
		newC := centroid(newPts)
		votes = append(votes, LayerVote{
			LayerName: name,
			Tx:        newC[0] - oldC[0],
			Ty:        newC[1] - oldC[1],
		})
	}

	if len(votes) < MinVotesForLayerTranslation {
		return 0, 0, false
	}

	return medianVote(votes)
}

func centroid(pts []orb.Point) orb.Point {
	var sx, sy float64
	for _, p := range pts {
		sx += p[0]
		sy += p[1]
	}
	n := float64(len(pts))
	return orb.Point{sx / n, sy / n}
}

func medianVote(votes []LayerVote) (tx, ty float64, ok bool) {
	txs := make([]float64, len(votes))
	tys := make([]float64, len(votes))
	for i, v := range votes {
		txs[i] = v.Tx
		tys[i] = v.Ty
	}
	return median(txs), median(tys), true
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	insertionSort(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func insertionSort(vals []float64) {
	for i := 1; i < len(vals); i++ {
		v := vals[i]
		j := i - 1
		for j >= 0 && vals[j] > v {
			vals[j+1] = vals[j]
			j--
		}
		vals[j+1] = v
	}
}
