package pipelines

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/gurnxxrpannu/Breedify/util/fileutil"
)

// LabelSet maps model output indices to breed names. It is immutable after construction.
type LabelSet struct {
	names []string
}

func NewLabelSet(names []string) *LabelSet {
	return &LabelSet{names: append([]string(nil), names...)}
}

func (l *LabelSet) Len() int {
	return len(l.names)
}

// Name returns the label at index i, or a Breed_<i> placeholder when i is outside the table.
func (l *LabelSet) Name(i int) string {
	if i >= 0 && i < len(l.names) {
		return l.names[i]
	}
	return fmt.Sprintf("Breed_%d", i)
}

// Names returns a copy of the table.
func (l *LabelSet) Names() []string {
	return append([]string(nil), l.names...)
}

// LoadLabelSet reads a label table from a JSON array of strings or a newline separated file.
// Blank lines are skipped.
func LoadLabelSet(ctx context.Context, path string) (*LabelSet, error) {
	content, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading labels %s: %w", path, err)
	}
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var names []string
		if err = jsoniter.Unmarshal(trimmed, &names); err != nil {
			return nil, fmt.Errorf("parsing labels %s: %w", path, err)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("labels file %s is empty", path)
		}
		return NewLabelSet(names), nil
	}

	var names []string
	reader := bufio.NewReader(bytes.NewReader(content))
	for {
		line, readErr := fileutil.ReadLine(reader)
		if name := strings.TrimSpace(string(line)); name != "" {
			names = append(names, name)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, readErr
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return NewLabelSet(names), nil
}

// DefaultBreedLabels returns the built-in breed table in model output order.
func DefaultBreedLabels() *LabelSet {
	return NewLabelSet(defaultBreedLabels)
}

var defaultBreedLabels = []string{
	"Afghan Hound", "African Hunting Dog", "Airedale Terrier", "American Staffordshire Terrier",
	"Appenzeller Sennenhund", "Australian Terrier", "Basenji", "Basset Hound", "Beagle",
	"Bedlington Terrier", "Bernese Mountain Dog", "Black and Tan Coonhound", "Blenheim Spaniel",
	"Bloodhound", "Bluetick Coonhound", "Border Collie", "Border Terrier", "Borzoi",
	"Boston Terrier", "Bouvier des Flandres", "Boxer", "Brabancon Griffon", "Briard",
	"Brittany Spaniel", "Bull Mastiff", "Bull Terrier", "Bulldog", "Cairn Terrier",
	"Cardigan Welsh Corgi", "Chesapeake Bay Retriever", "Chihuahua", "Chinese Crested",
	"Chinese Shar-Pei", "Chow Chow", "Clumber Spaniel", "Cocker Spaniel", "Collie",
	"Curly-Coated Retriever", "Dachshund", "Dalmatian", "Dandie Dinmont Terrier", "Dingo",
	"Doberman Pinscher", "English Foxhound", "English Setter", "English Springer Spaniel",
	"EntleBucher", "Eskimo Dog", "French Bulldog", "German Shepherd", "German Short-Haired Pointer",
	"Giant Schnauzer", "Golden Retriever", "Gordon Setter", "Great Dane", "Great Pyrenees",
	"Greater Swiss Mountain Dog", "Groenendael", "Ibizan Hound", "Irish Setter", "Irish Terrier",
	"Irish Water Spaniel", "Irish Wolfhound", "Italian Greyhound", "Japanese Spaniel", "Keeshond",
	"Kerry Blue Terrier", "Komondor", "Kuvasz", "Labrador Retriever", "Lakeland Terrier",
	"Leonberger", "Lhasa Apso", "Malamute", "Malinois", "Maltese", "Mexican Hairless",
	"Miniature Pinscher", "Miniature Poodle", "Miniature Schnauzer", "Newfoundland",
	"Norfolk Terrier", "Norwegian Elkhound", "Norwich Terrier", "Old English Sheepdog", "Otterhound",
	"Papillon", "Pekinese", "Pembroke Welsh Corgi", "Pomeranian", "Poodle", "Pug",
	"Redbone Coonhound", "Rhodesian Ridgeback", "Rottweiler", "Saint Bernard", "Saluki", "Samoyed",
	"Schipperke", "Scottish Deerhound", "Scottish Terrier", "Sealyham Terrier", "Shetland Sheepdog",
	"Shih Tzu", "Siberian Husky", "Silky Terrier", "Soft-Coated Wheaten Terrier", "Standard Poodle",
	"Standard Schnauzer", "Staffordshire Bull Terrier", "Sussex Spaniel", "Tibetan Mastiff",
	"Tibetan Terrier", "Toy Poodle", "Toy Terrier", "Vizsla", "Walker Hound", "Weimaraner",
	"Welsh Springer Spaniel", "West Highland White Terrier", "Whippet", "Wire-Haired Fox Terrier",
	"Yorkshire Terrier",
}
