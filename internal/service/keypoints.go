package service

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/bits"
	"math/rand"
	"sort"

	"github.com/timmy/reclaim/internal/domain"
	"github.com/timmy/reclaim/internal/storage"
)

// FeatureVerifier confirms that two photos show the same physical object.
type FeatureVerifier interface {
	Verify(ctx context.Context, lost, found *domain.Item) (bool, error)
}

// Keypoint matching parameters. The detector is FAST-9 with intensity
// centroid orientation, the descriptor is rotated BRIEF (256 bits).
const (
	keypointMaxSide   = 400
	fastThreshold     = 20
	maxKeypoints      = 500
	briefBits         = 256
	patchRadius       = 15
	keypointBorder    = patchRadius + 3
	maxHammingDist    = 64
	loweRatio         = 0.8
	defaultMinMatches = 25
)

type descriptor [briefBits / 64]uint64

type keypoint struct {
	x, y  int
	score int
	angle float64
}

// briefPattern holds the sampling pairs, fixed for the process so that
// descriptors from different photos are comparable.
var briefPattern = func() [briefBits][4]float64 {
	var p [briefBits][4]float64
	r := rand.New(rand.NewSource(31))
	sample := func() float64 {
		v := r.NormFloat64() * patchRadius / 2.5
		return math.Max(-patchRadius+1, math.Min(patchRadius-1, v))
	}
	for i := range p {
		p[i] = [4]float64{sample(), sample(), sample(), sample()}
	}
	return p
}()

// circle16 is the Bresenham circle of radius 3 used by FAST.
var circle16 = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1}, {3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1}, {-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// KeypointVerifier matches ORB-style features between two stored photos.
type KeypointVerifier struct {
	photos     storage.PhotoStore
	maxBytes   int64
	minMatches int
}

// NewKeypointVerifier creates a verifier that needs minMatches good
// feature matches to confirm a pair.
func NewKeypointVerifier(photos storage.PhotoStore, maxBytes int64, minMatches int) *KeypointVerifier {
	if minMatches <= 0 {
		minMatches = defaultMinMatches
	}
	return &KeypointVerifier{photos: photos, maxBytes: maxBytes, minMatches: minMatches}
}

// Verify loads both photos and reports whether enough features match.
func (v *KeypointVerifier) Verify(ctx context.Context, lost, found *domain.Item) (bool, error) {
	if lost.PhotoKey == "" || found.PhotoKey == "" {
		return false, nil
	}
	a, err := v.photos.Load(ctx, lost.PhotoKey, v.maxBytes)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", lost.PhotoKey, err)
	}
	b, err := v.photos.Load(ctx, found.PhotoKey, v.maxBytes)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", found.PhotoKey, err)
	}
	n, err := CountFeatureMatches(a, b)
	if err != nil {
		return false, err
	}
	return n >= v.minMatches, nil
}

// CountFeatureMatches returns the number of keypoint matches between two
// encoded photos that pass the distance and ratio tests.
func CountFeatureMatches(a, b []byte) (int, error) {
	da, err := describePhoto(a)
	if err != nil {
		return 0, err
	}
	db, err := describePhoto(b)
	if err != nil {
		return 0, err
	}
	return matchDescriptors(da, db), nil
}

func describePhoto(data []byte) ([]descriptor, error) {
	img, err := decodeImage(data)
	if err != nil {
		return nil, err
	}
	gray := toGray(img, keypointMaxSide)
	smooth := boxBlur(gray)
	kps := detectFAST(gray)
	out := make([]descriptor, 0, len(kps))
	for _, kp := range kps {
		kp.angle = orientation(gray, kp.x, kp.y)
		out = append(out, brief(smooth, kp))
	}
	return out, nil
}

func pix(g *image.Gray, x, y int) int {
	return int(g.Pix[(y-g.Rect.Min.Y)*g.Stride+(x-g.Rect.Min.X)])
}

// detectFAST finds FAST-9 corners, suppresses non-maxima in a 3x3
// neighbourhood and keeps the strongest maxKeypoints.
func detectFAST(g *image.Gray) []keypoint {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w <= 2*keypointBorder || h <= 2*keypointBorder {
		return nil
	}
	scores := make([]int, w*h)
	var cands []keypoint
	for y := keypointBorder; y < h-keypointBorder; y++ {
		for x := keypointBorder; x < w-keypointBorder; x++ {
			if s := fastScore(g, x, y); s > 0 {
				scores[y*w+x] = s
				cands = append(cands, keypoint{x: x, y: y, score: s})
			}
		}
	}

	kps := cands[:0]
	for _, c := range cands {
		isMax := true
		for dy := -1; dy <= 1 && isMax; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if (dx != 0 || dy != 0) && scores[(c.y+dy)*w+c.x+dx] > c.score {
					isMax = false
					break
				}
			}
		}
		if isMax {
			kps = append(kps, c)
		}
	}

	sort.Slice(kps, func(i, j int) bool {
		if kps[i].score != kps[j].score {
			return kps[i].score > kps[j].score
		}
		if kps[i].y != kps[j].y {
			return kps[i].y < kps[j].y
		}
		return kps[i].x < kps[j].x
	})
	if len(kps) > maxKeypoints {
		kps = kps[:maxKeypoints]
	}
	return kps
}

// fastScore returns the corner score at (x, y), or 0 when fewer than 9
// contiguous circle pixels are all brighter or all darker than the center
// by fastThreshold.
func fastScore(g *image.Gray, x, y int) int {
	c := pix(g, x, y)
	var ring [16]int
	for i, off := range circle16 {
		ring[i] = pix(g, x+off[0], y+off[1]) - c
	}

	for _, sign := range []int{1, -1} {
		run := 0
		for i := 0; i < 16+9; i++ {
			if ring[i%16]*sign > fastThreshold {
				run++
				if run >= 9 {
					score := 0
					for _, d := range ring {
						if d*sign > fastThreshold {
							score += d*sign - fastThreshold
						}
					}
					return score
				}
			} else {
				run = 0
			}
		}
	}
	return 0
}

// orientation is the angle of the intensity centroid of the patch.
func orientation(g *image.Gray, x, y int) float64 {
	var m01, m10 int
	r2 := patchRadius * patchRadius
	for dy := -patchRadius; dy <= patchRadius; dy++ {
		for dx := -patchRadius; dx <= patchRadius; dx++ {
			if dx*dx+dy*dy > r2 {
				continue
			}
			v := pix(g, x+dx, y+dy)
			m10 += dx * v
			m01 += dy * v
		}
	}
	return math.Atan2(float64(m01), float64(m10))
}

func brief(g *image.Gray, kp keypoint) descriptor {
	var d descriptor
	sin, cos := math.Sincos(kp.angle)
	rot := func(dx, dy float64) (int, int) {
		return kp.x + int(math.Round(dx*cos-dy*sin)), kp.y + int(math.Round(dx*sin+dy*cos))
	}
	for i, p := range briefPattern {
		x1, y1 := rot(p[0], p[1])
		x2, y2 := rot(p[2], p[3])
		if pix(g, x1, y1) < pix(g, x2, y2) {
			d[i/64] |= 1 << (uint(i) % 64)
		}
	}
	return d
}

// boxBlur smooths with a 5x5 box so single-pixel noise does not flip
// descriptor bits. Borders are copied unchanged.
func boxBlur(g *image.Gray) *image.Gray {
	out := image.NewGray(g.Rect)
	copy(out.Pix, g.Pix)
	w, h := g.Rect.Dx(), g.Rect.Dy()
	for y := 2; y < h-2; y++ {
		for x := 2; x < w-2; x++ {
			sum := 0
			for dy := -2; dy <= 2; dy++ {
				for dx := -2; dx <= 2; dx++ {
					sum += pix(g, g.Rect.Min.X+x+dx, g.Rect.Min.Y+y+dy)
				}
			}
			out.Pix[y*out.Stride+x] = uint8(sum / 25)
		}
	}
	return out
}

func hamming(a, b descriptor) int {
	n := 0
	for i := range a {
		n += bits.OnesCount64(a[i] ^ b[i])
	}
	return n
}

// matchDescriptors counts descriptors in a whose nearest neighbour in b
// is within maxHammingDist and clearly better than the second nearest.
func matchDescriptors(a, b []descriptor) int {
	if len(a) == 0 || len(b) < 2 {
		return 0
	}
	good := 0
	for _, da := range a {
		best, second := math.MaxInt, math.MaxInt
		for _, dbv := range b {
			d := hamming(da, dbv)
			if d < best {
				best, second = d, best
			} else if d < second {
				second = d
			}
		}
		if best <= maxHammingDist && float64(best) < loweRatio*float64(second) {
			good++
		}
	}
	return good
}
