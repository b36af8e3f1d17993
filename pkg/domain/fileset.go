package domain

// FileSet describes the input files of one supervision run plus the metadata
// the publisher needs to normalize the merged output.
type FileSet struct {
	files  []string
	Weight float64 `json:"weight" yaml:"weight"`
	Label  string  `json:"label" yaml:"label"`
}

// NewFileSet copies files so later changes to the caller's slice are not seen.
func NewFileSet(files []string, weight float64, label string) *FileSet {
	cp := make([]string, len(files))
	copy(cp, files)
	return &FileSet{files: cp, Weight: weight, Label: label}
}

// Files returns a copy of the file locators in their original order.
func (f *FileSet) Files() []string {
	if f == nil {
		return nil
	}
	cp := make([]string, len(f.files))
	copy(cp, f.files)
	return cp
}

func (f *FileSet) Len() int {
	if f == nil {
		return 0
	}
	return len(f.files)
}

// Meta is the serializable view of a FileSet handed to workers.
type Meta struct {
	Weight float64 `json:"weight"`
	Label  string  `json:"label"`
	Files  int     `json:"files"`
}

func (f *FileSet) Meta() Meta {
	if f == nil {
		return Meta{}
	}
	return Meta{Weight: f.Weight, Label: f.Label, Files: len(f.files)}
}
