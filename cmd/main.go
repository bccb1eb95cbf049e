package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	breedify "github.com/gurnxxrpannu/Breedify"
	"github.com/gurnxxrpannu/Breedify/options"
	"github.com/gurnxxrpannu/Breedify/pipelines"
	"github.com/gurnxxrpannu/Breedify/util/fileutil"
	"github.com/gurnxxrpannu/Breedify/util/imageutil"
)

var modelPath string
var labelsPath string
var inputPath string
var outputPath string
var backendName string
var sharedLibraryPath string
var normalization string
var interpolation string
var logLevel string
var threads int
var inputSize int
var topK int
var nWorkers int
var threshold float64

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// newClassifier builds the classifier for a backend name.
var newClassifier = func(backend string, opts ...options.WithOption) (*breedify.Classifier, error) {
	switch strings.ToUpper(backend) {
	case "GO":
		return breedify.NewGoClassifier(opts...)
	case "ORT":
		return breedify.NewORTClassifier(opts...)
	default:
		return nil, fmt.Errorf("backend %s not implemented, must be GO or ORT", backend)
	}
}

var classifyCommand = &cli.Command{
	Name:  "classify",
	Usage: "Classify the dog breed in one or more images",
	Description: `Classify reads images and writes one json line per image of the format
				{"input": "path", "output": {"breedName": "...", "confidence": 0.97, ...}} or {"input": "path", "error": "..."}.
				`,
	ArgsUsage: `
				--input: path to an image or a folder of images to process. If omitted, newline separated image paths are read from stdin.
				--output: path to a folder where to write result-0.jsonl. If omitted, the output will be sent to stdout.
				--model: path or s3:// url of the .onnx model. A model_metadata.json next to it is used when present.
				--onnxruntimeSharedLibrary: path to the onnxruntime shared library, only used with --backend ORT.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the .onnx model",
			Aliases:     []string{"m"},
			EnvVars:     []string{"BREEDIFY_MODEL"},
			Destination: &modelPath,
			Value:       options.DefaultModelPath,
		},
		&cli.StringFlag{
			Name:        "labels",
			Usage:       "Path to a labels file, newline separated or a JSON array",
			Aliases:     []string{"l"},
			EnvVars:     []string{"BREEDIFY_LABELS"},
			Destination: &labelsPath,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to an image or a folder of images",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output folder",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Inference backend, GO or ORT",
			Aliases:     []string{"b"},
			Destination: &backendName,
			Value:       "GO",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to the onnxruntime shared library or its folder",
			Aliases:     []string{"s"},
			EnvVars:     []string{"ONNXRUNTIME_SHARED_LIBRARY_PATH"},
			Destination: &sharedLibraryPath,
		},
		&cli.IntFlag{
			Name:        "threads",
			Usage:       "Intra-op inference threads",
			Destination: &threads,
			Value:       options.DefaultIntraOpNumThreads,
		},
		&cli.IntFlag{
			Name:        "inputSize",
			Usage:       "Square model input size in pixels, taken from the model when 0",
			Destination: &inputSize,
		},
		&cli.StringFlag{
			Name:        "normalization",
			Usage:       "Pixel normalization: unit ([0,1]), centered ([-1,1]) or imagenet (per-channel mean/std)",
			Destination: &normalization,
		},
		&cli.StringFlag{
			Name:        "interpolation",
			Usage:       "Resize filter: bilinear, nearest, bicubic, mitchell, lanczos2 or lanczos3",
			Destination: &interpolation,
			Value:       "bilinear",
		},
		&cli.Float64Flag{
			Name:        "threshold",
			Usage:       "Confidence at or below which the result is Unknown Breed",
			Destination: &threshold,
			Value:       float64(options.DefaultConfidenceThreshold),
		},
		&cli.IntFlag{
			Name:        "topK",
			Usage:       "Number of ranked candidates to include",
			Aliases:     []string{"k"},
			Destination: &topK,
			Value:       options.DefaultTopK,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Number of images preprocessed in parallel",
			Aliases:     []string{"w"},
			Destination: &nWorkers,
			Value:       4,
		},
		&cli.StringFlag{
			Name:        "logLevel",
			Usage:       "Log level: debug, info, warn or error",
			Destination: &logLevel,
			Value:       "info",
		},
	},
	Action: func(ctx *cli.Context) (err error) {
		logger := newLogger(logLevel)

		opts := []options.WithOption{
			options.WithModelPath(modelPath),
			options.WithIntraOpNumThreads(threads),
			options.WithInterpolation(interpolation),
			options.WithConfidenceThreshold(float32(threshold)),
			options.WithTopK(topK),
			options.WithLogger(logger),
		}
		if labelsPath != "" {
			opts = append(opts, options.WithLabelsPath(labelsPath))
		}
		if inputSize > 0 {
			opts = append(opts, options.WithInputSize(inputSize))
		}
		if normalization != "" {
			opts = append(opts, options.WithNormalization(normalization))
		}
		if sharedLibraryPath != "" && strings.EqualFold(backendName, "ORT") {
			opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
		}

		classifier, err := newClassifier(backendName, opts...)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, classifier.Close())
		}()

		var writer io.Writer = ctx.App.Writer
		if outputPath != "" {
			if err = fileutil.CreateFile(ctx.Context, outputPath, true); err != nil {
				return err
			}
			fileWriter, writerErr := fileutil.NewFileWriter(ctx.Context, fileutil.PathJoinSafe(outputPath, "result-0.jsonl"))
			if writerErr != nil {
				return writerErr
			}
			defer func() {
				err = errors.Join(err, fileWriter.Close())
			}()
			writer = fileWriter
		}

		inputChannel := make(chan job, 100)
		processedChannel := make(chan []byte, 100)
		var processedWg, writeWg sync.WaitGroup

		workers := max(nWorkers, 1)
		for w := 0; w < workers; w++ {
			processedWg.Add(1)
			go processWithClassifier(ctx.Context, &processedWg, inputChannel, processedChannel, classifier)
		}
		var writeErr error
		writeWg.Add(1)
		go func() {
			defer writeWg.Done()
			writeErr = writeOutputs(processedChannel, writer)
		}()

		readErr := readInputs(ctx.Context, inputChannel)
		close(inputChannel)
		processedWg.Wait()
		close(processedChannel)
		writeWg.Wait()

		statistics := classifier.GetStatistics()
		logger.Info().Uint64("images", statistics.TotalQueries).Uint64("failed", statistics.FailedQueries).
			Uint64("unknown", statistics.FilteredResults).Dur("avgInference", statistics.OnnxAvgQueryTime).
			Msg("classification finished")
		return errors.Join(readErr, writeErr)
	},
}

var labelsCommand = &cli.Command{
	Name:  "labels",
	Usage: "Print the breed label table",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "labels",
			Usage:       "Path to a labels file, newline separated or a JSON array",
			Aliases:     []string{"l"},
			EnvVars:     []string{"BREEDIFY_LABELS"},
			Destination: &labelsPath,
		},
	},
	Action: func(ctx *cli.Context) error {
		labels := pipelines.DefaultBreedLabels()
		if labelsPath != "" {
			var err error
			if labels, err = pipelines.LoadLabelSet(ctx.Context, labelsPath); err != nil {
				return err
			}
		}
		for i, name := range labels.Names() {
			if _, err := fmt.Fprintf(ctx.App.Writer, "%d\t%s\n", i, name); err != nil {
				return err
			}
		}
		return nil
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "breedify",
		Usage:    "Dog breed classification from the command line",
		Commands: []*cli.Command{classifyCommand, labelsCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("breedify failed")
	}
}

func newLogger(level string) *log.Logger {
	logger := &log.Logger{Level: log.ParseLevel(level)}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		logger.Writer = &log.ConsoleWriter{Writer: os.Stderr, ColorOutput: true}
	} else {
		logger.Writer = &log.IOWriter{Writer: os.Stderr}
	}
	return logger
}

type job struct {
	source imageutil.Source
	name   string
}

type result struct {
	Input  string               `json:"input"`
	Output *breedify.Prediction `json:"output,omitempty"`
	Error  string               `json:"error,omitempty"`
}

func writeOutputs(processedChannel chan []byte, writeTarget io.Writer) error {
	var err error
	for output := range processedChannel {
		if err != nil {
			continue
		}
		if _, err = writeTarget.Write(output); err == nil {
			_, err = writeTarget.Write([]byte("\n"))
		}
	}
	return err
}

func processWithClassifier(ctx context.Context, wg *sync.WaitGroup, inputChannel chan job, processedChannel chan []byte, classifier *breedify.Classifier) {
	defer wg.Done()
	for j := range inputChannel {
		out := result{Input: j.name}
		prediction, err := classifier.Predict(ctx, j.source)
		if err != nil {
			out.Error = err.Error()
		} else {
			out.Output = &prediction
		}
		outputBytes, marshalErr := jsoniter.Marshal(out)
		if marshalErr != nil {
			outputBytes = []byte(fmt.Sprintf(`{"input":%q,"error":%q}`, j.name, marshalErr.Error()))
		}
		processedChannel <- outputBytes
	}
}

func readInputs(ctx context.Context, inputChannel chan job) error {
	if inputPath == "" {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			// there is something to process on stdin
			return readPaths(os.Stdin, inputChannel)
		}
		return nil
	}

	exists, err := fileutil.FileExists(ctx, inputPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %s does not exist", inputPath)
	}
	isDir, err := fileutil.IsDir(ctx, inputPath)
	if err != nil {
		return err
	}
	if !isDir {
		inputChannel <- job{source: imageutil.FromPath(inputPath), name: inputPath}
		return nil
	}

	fileWalker := func(_ context.Context, _ string, parent string, info os.FileInfo, reader io.Reader) (bool, error) {
		if info.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(info.Name()))] {
			return true, nil
		}
		data, readErr := io.ReadAll(reader)
		if readErr != nil {
			return false, readErr
		}
		inputChannel <- job{source: imageutil.FromBytes(data), name: path.Join(parent, info.Name())}
		return true, nil
	}
	return fileutil.WalkDir()(ctx, inputPath, fileWalker)
}

func readPaths(inputSource io.Reader, inputChannel chan job) error {
	reader := bufio.NewReader(inputSource)
	for {
		line, err := fileutil.ReadLine(reader)
		if name := strings.TrimSpace(string(line)); name != "" {
			inputChannel <- job{source: imageutil.FromPath(name), name: name}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
