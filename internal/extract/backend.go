package extract

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"google.golang.org/genai"
)

// FileState is the processing state of an uploaded audio file.
type FileState string

const (
	FileProcessing FileState = "PROCESSING"
	FileActive     FileState = "ACTIVE"
	FileFailed     FileState = "FAILED"
)

// UploadedFile is a reference to audio registered with the backend.
type UploadedFile struct {
	Name     string
	URI      string
	MIMEType string
	State    FileState
}

// Backend is the generative-content service used by the Extractor.
type Backend interface {
	UploadAudio(ctx context.Context, path string) (UploadedFile, error)
	GetFile(ctx context.Context, name string) (UploadedFile, error)
	Generate(ctx context.Context, model, prompt string, file UploadedFile) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}

// GenAIBackend implements Backend over the Gemini API.
type GenAIBackend struct {
	client *genai.Client
}

// NewGenAIBackend creates a Gemini API client with the given key.
func NewGenAIBackend(ctx context.Context, apiKey string) (*GenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return &GenAIBackend{client: client}, nil
}

func (b *GenAIBackend) UploadAudio(ctx context.Context, path string) (UploadedFile, error) {
	f, err := b.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{
		MIMEType: AudioMIMEType(path),
	})
	if err != nil {
		return UploadedFile{}, fmt.Errorf("upload audio: %w", err)
	}
	return fromGenAIFile(f), nil
}

func (b *GenAIBackend) GetFile(ctx context.Context, name string) (UploadedFile, error) {
	f, err := b.client.Files.Get(ctx, name, nil)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("get file %s: %w", name, err)
	}
	return fromGenAIFile(f), nil
}

func (b *GenAIBackend) Generate(ctx context.Context, model, prompt string, file UploadedFile) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromURI(file.URI, file.MIMEType),
		}, genai.RoleUser),
	}

	result, err := b.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	if result != nil && len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
		var text strings.Builder
		for _, part := range result.Candidates[0].Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
		}
		return text.String(), nil
	}
	return "", fmt.Errorf("empty response from Gemini")
}

func (b *GenAIBackend) ListModels(ctx context.Context) ([]string, error) {
	page, err := b.client.Models.List(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	names := make([]string, 0, len(page.Items))
	for _, m := range page.Items {
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
	}
	return names, nil
}

func fromGenAIFile(f *genai.File) UploadedFile {
	if f == nil {
		return UploadedFile{}
	}
	return UploadedFile{
		Name:     f.Name,
		URI:      f.URI,
		MIMEType: f.MIMEType,
		State:    FileState(f.State),
	}
}

// AudioMIMEType guesses the audio MIME type from the file extension.
func AudioMIMEType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".ogg", ".oga", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".aac":
		return "audio/aac"
	case ".flac":
		return "audio/flac"
	case ".webm":
		return "audio/webm"
	}
	if t := mime.TypeByExtension(ext); strings.HasPrefix(t, "audio/") {
		return t
	}
	return "audio/ogg"
}
