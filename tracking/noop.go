package tracking

import "context"

// NoopService is used when no tracking database is configured. Every object is processed.
type NoopService struct {
	locks *keyLocks
}

// NewNoopService return new NoopService.
func NewNoopService() *NoopService {
	return &NoopService{locks: newKeyLocks()}
}

func (s *NoopService) Lock(identifier string) {
	s.locks.Lock(identifier)
}

func (s *NoopService) Unlock(identifier string) {
	s.locks.Unlock(identifier)
}

func (s *NoopService) GetRecord(ctx context.Context, identifier string) (*SyncRecord, error) {
	return nil, nil
}

func (s *NoopService) SetStatus(ctx context.Context, update *Update) error {
	return nil
}

func (s *NoopService) AllRecords(ctx context.Context) ([]*SyncRecord, error) {
	return nil, nil
}

func (s *NoopService) Errors(ctx context.Context) ([]*SyncRecord, error) {
	return nil, nil
}

func (s *NoopService) Retries(ctx context.Context) ([]*SyncRecord, error) {
	return nil, nil
}

func (s *NoopService) Close() error {
	return nil
}
