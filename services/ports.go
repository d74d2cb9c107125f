package services

import "context"

// BlobStore ist der Objektspeicher-Port, den die Pipeline-Stufen benötigen:
// Schreibziele generieren, lesbare URLs auflösen, Objekte anlegen und löschen.
// storage.Store ist die produktive Implementierung.
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PresignPut(ctx context.Context, key string) (string, error)
	PresignGet(ctx context.Context, key string) (string, error)
	Remove(ctx context.Context, key string) error
}
