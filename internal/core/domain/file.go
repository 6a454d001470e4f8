package domain

// File is a handle to a file whose content may not exist yet.
type File struct {
	ID          FileID `json:"id"`
	Description string `json:"description,omitempty"`
}

// NewFile returns a handle with a fresh id.
func NewFile(description string) File {
	return File{ID: NewID[fileKind](), Description: description}
}

// ProvidedFile is a File whose content is supplied by the client. The key is
// computed when the file is declared.
type ProvidedFile struct {
	File      File     `json:"file"`
	Key       StoreKey `json:"key"`
	LocalPath string   `json:"local_path,omitempty"`
	// Content holds inline bytes when the file has no local path. It never
	// leaves the client.
	Content []byte `json:"-"`
}
