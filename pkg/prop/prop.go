package prop

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/codergym/capture/pkg/frame"
)

var (
	errMissingDeviceID = errors.New("device id is required")
	errInvalidSize     = errors.New("width and height must be positive and even")
)

// Media describes what a capture session is asked to produce.
type Media struct {
	DeviceID string
	Video
}

// Merge merges all the field values from o to p, except zero values.
func (p *Media) Merge(o Media) {
	rp := reflect.ValueOf(p).Elem()
	ro := reflect.ValueOf(o)

	// merge b fields to a recursively
	var merge func(a, b reflect.Value)
	merge = func(a, b reflect.Value) {
		numFields := a.NumField()
		for i := 0; i < numFields; i++ {
			fieldA := a.Field(i)
			fieldB := b.Field(i)

			// if a is a struct, b is also a struct. Then,
			// we recursively merge them
			if fieldA.Kind() == reflect.Struct {
				merge(fieldA, fieldB)
				continue
			}

			if fieldB.IsZero() {
				continue
			}

			fieldA.Set(fieldB)
		}
	}

	merge(rp, ro)
}

// Validate checks that p can drive a capture session. The analysis output is
// 4:2:0, so both dimensions have to be even.
func (p *Media) Validate() error {
	if p.DeviceID == "" {
		return errMissingDeviceID
	}
	if p.Width <= 0 || p.Height <= 0 || p.Width%2 != 0 || p.Height%2 != 0 {
		return fmt.Errorf("%dx%d: %w", p.Width, p.Height, errInvalidSize)
	}
	return nil
}

// FitnessDistance scores how far o is from p. 0 is a perfect match. Zero
// fields of p are treated as "don't care".
func (p *Media) FitnessDistance(o Media) float64 {
	cmps := comparisons{}
	if p.Width != 0 {
		cmps.add(o.Width, p.Width)
	}
	if p.Height != 0 {
		cmps.add(o.Height, p.Height)
	}
	if p.FrameRate != 0 {
		cmps.add(o.FrameRate, p.FrameRate)
	}
	if p.FrameFormat != "" {
		cmps.add(o.FrameFormat, p.FrameFormat)
	}
	return cmps.fitnessDistance()
}

type comparison struct {
	actual, ideal string
}

type comparisons []comparison

func (c *comparisons) add(actual, ideal interface{}) {
	*c = append(*c, comparison{fmt.Sprint(actual), fmt.Sprint(ideal)})
}

// fitnessDistance is an implementation for https://w3c.github.io/mediacapture-main/#dfn-fitness-distance
func (c comparisons) fitnessDistance() float64 {
	var dist float64

	for _, cmp := range c {
		if cmp.actual == cmp.ideal {
			continue
		}

		actualF, err1 := strconv.ParseFloat(cmp.actual, 64)
		idealF, err2 := strconv.ParseFloat(cmp.ideal, 64)

		switch {
		// If both of the values are numeric, we need to normalize the values to get the distance
		case err1 == nil && err2 == nil:
			dist += math.Abs(actualF-idealF) / math.Max(math.Abs(actualF), math.Abs(idealF))
		// If both of the values are not numeric, the only comparison value is either 0 (matched) or 1 (not matched)
		case err1 != nil && err2 != nil:
			dist++
		// Comparing a numeric value with a non-numeric value is a an internal error, so panic.
		default:
			panic("fitnessDistance can't mix comparisons.")
		}
	}

	return dist
}

// Video represents a video's properties
type Video struct {
	Width, Height int
	FrameRate     float32
	FrameFormat   frame.Format
}
