package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/drive"
	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload/chunkuploader"
)

const abortTimeout = 30 * time.Second

// ChunkSender sends every chunk of a file to an upload session.
type ChunkSender interface {
	Upload(ctx context.Context, target chunkuploader.Target, provider chunkuploader.ChunkProvider, progress chunkuploader.ProgressFunc) (bool, error)
}

// sessionManager owns the upload session of a single attempt: it starts the session,
// feeds it with chunks and either finalizes or abandons it.
type sessionManager struct {
	drive     drive.Drive
	sender    ChunkSender
	chunkSize int64
	logger    log.Logger
}

func (m sessionManager) start(ctx context.Context, remoteFolder, name string, size int64) (drive.Session, error) {
	folder, err := m.drive.ResolveFolder(ctx, remoteFolder)
	if err != nil {
		return nil, &SessionCreateError{Folder: remoteFolder, Name: name, Err: err}
	}

	session, err := m.drive.CreateSession(ctx, folder, name, size)
	if err != nil {
		return nil, &SessionCreateError{Folder: remoteFolder, Name: name, Err: err}
	}
	return session, nil
}

func (m sessionManager) run(ctx context.Context, target Target, progress chunkuploader.ProgressFunc) (*drive.Item, error) {
	provider, err := chunkuploader.NewFileChunkProvider(target.LocalPath, m.chunkSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			m.logger.Warnf("Failed to close %s: %s", target.LocalPath, err)
		}
	}()

	if provider.Size() != target.Size {
		return nil, fmt.Errorf("%s changed size: expected %d bytes, found %d", target.LocalPath, target.Size, provider.Size())
	}

	session, err := m.start(ctx, target.RemoteFolder, target.Name(), target.Size)
	if err != nil {
		return nil, err
	}
	m.logger.Debugf("Upload session started for %s (%d chunks)", target.Name(), provider.NumChunks())

	completed, err := m.sender.Upload(ctx, session, provider, progress)
	if err != nil {
		m.abort(ctx, session)
		return nil, err
	}
	if !completed {
		m.abort(ctx, session)
		return nil, ErrSessionIncomplete
	}

	return m.finalize(ctx, session)
}

func (m sessionManager) finalize(ctx context.Context, session drive.Session) (*drive.Item, error) {
	item, err := session.Complete(ctx)
	if err != nil {
		return nil, fmt.Errorf("finalize upload session: %w", err)
	}
	return item, nil
}

// abort is best-effort: a failure is logged and never replaces the upload error.
func (m sessionManager) abort(ctx context.Context, session drive.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	if err := session.Abort(ctx); err != nil {
		m.logger.Warnf("Failed to cancel upload session: %s", err)
		return
	}
	m.logger.Debugf("Upload session cancelled")
}
