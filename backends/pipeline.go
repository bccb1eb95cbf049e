package backends

import (
	"fmt"
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/gurnxxrpannu/Breedify/util/safeconv"
)

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	Model             *Model
	PreprocessTimings *timings
	PipelineName      string
	Runtime           string
}

func NewBasePipeline(name string, runtime string, model *Model) BasePipeline {
	return BasePipeline{
		Model:             model,
		PreprocessTimings: &timings{},
		PipelineName:      name,
		Runtime:           runtime,
	}
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. Dynamic dimensions are -1 or 0.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = safeconv.Int64ToInt(v)
	}
	return output
}

// NumElements returns the product of the dimensions, or 0 if any dimension is dynamic.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		if d <= 0 {
			return 0
		}
		n *= safeconv.Int64ToInt(d)
	}
	return n
}

// Width returns the number of values per batch item. A dynamic leading batch dimension
// is ignored; any other dynamic dimension gives 0.
func (s Shape) Width() int {
	if len(s) > 1 && s[0] <= 0 {
		return s[1:].NumElements()
	}
	return s.NumElements()
}

// Accepts reports whether a concrete shape fits s. Dynamic dimensions accept any size
// and an empty s accepts everything.
func (s Shape) Accepts(actual Shape) bool {
	if len(s) == 0 {
		return true
	}
	if len(s) != len(actual) {
		return false
	}
	for i, d := range s {
		if d > 0 && actual[i] != d {
			return false
		}
	}
	return true
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

type PipelineStatistics struct {
	PreprocessTotalTime      time.Duration
	PreprocessExecutionCount uint64
	PreprocessAvgQueryTime   time.Duration
	OnnxTotalTime            time.Duration
	OnnxExecutionCount       uint64
	OnnxAvgQueryTime         time.Duration
	TotalQueries             uint64
	FailedQueries            uint64
	FilteredResults          uint64
}

func (p *PipelineStatistics) ComputePreprocessStatistics(timings *timings) {
	p.PreprocessTotalTime = safeconv.U64ToDuration(timings.TotalNS)
	p.PreprocessExecutionCount = timings.NumCalls
	p.PreprocessAvgQueryTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
}

func (p *PipelineStatistics) ComputeOnnxStatistics(timings *timings) {
	p.OnnxTotalTime = safeconv.U64ToDuration(timings.TotalNS)
	p.OnnxExecutionCount = timings.NumCalls
	p.OnnxAvgQueryTime = time.Duration(float64(timings.TotalNS) /
		math.Max(1, float64(timings.NumCalls)))
}

func (p *PipelineStatistics) Print() {
	jsonData, err := jsoniter.MarshalIndent(p, "", "  ")
	if err != nil {
		fmt.Println(err)
	}
	fmt.Println(string(jsonData))
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}
