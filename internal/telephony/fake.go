package telephony

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider is an in-memory RecordingProvider for tests and local runs.
// Errors queued with Fail* are returned (in order) before the normal behavior resumes.
type FakeProvider struct {
	mu sync.Mutex

	recordings map[string]Recording
	media      map[string]Asset
	expired    map[string]bool
	deleted    map[string]bool

	startErrs    []error
	downloadErrs []error
	deleteErrs   []error

	StartCalls    int
	DownloadCalls int
	DeleteCalls   int
	LastStart     StartRecordingRequest
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		recordings: map[string]Recording{},
		media:      map[string]Asset{},
		expired:    map[string]bool{},
		deleted:    map[string]bool{},
	}
}

func (f *FakeProvider) Name() string { return "fake" }

// AddRecording makes a completed recording available under its download ref.
func (f *FakeProvider) AddRecording(rec Recording, asset Asset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.Status == "" {
		rec.Status = "completed"
	}
	f.recordings[rec.ProviderRecordingID] = rec
	f.media[rec.DownloadRef] = asset
}

// ExpireRef makes Download(ref) fail with ErrReferenceExpired.
func (f *FakeProvider) ExpireRef(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[ref] = true
}

func (f *FakeProvider) FailStart(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErrs = append(f.startErrs, errs...)
}

func (f *FakeProvider) FailDownload(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadErrs = append(f.downloadErrs, errs...)
}

func (f *FakeProvider) FailDelete(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErrs = append(f.deleteErrs, errs...)
}

// Deleted reports whether DeleteRecording removed recordingID.
func (f *FakeProvider) Deleted(recordingID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[recordingID]
}

func (f *FakeProvider) StartRecording(_ context.Context, req StartRecordingRequest) (StartRecordingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartCalls++
	f.LastStart = req
	if err := pop(&f.startErrs); err != nil {
		return StartRecordingResult{}, err
	}
	return StartRecordingResult{ProviderRecordingID: "RE-" + req.ProviderCallID, Status: "in-progress"}, nil
}

func (f *FakeProvider) GetRecording(_ context.Context, recordingID string) (Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recordings[recordingID]
	if !ok || f.deleted[recordingID] {
		return Recording{}, fmt.Errorf("%w: %s", ErrNotFound, recordingID)
	}
	if rec.Status != "completed" {
		return Recording{}, fmt.Errorf("%w: %s", ErrNotReady, recordingID)
	}
	return rec, nil
}

func (f *FakeProvider) Download(_ context.Context, ref string) (Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DownloadCalls++
	if err := pop(&f.downloadErrs); err != nil {
		return Asset{}, err
	}
	if f.expired[ref] {
		return Asset{}, fmt.Errorf("%w: %s", ErrReferenceExpired, ref)
	}
	asset, ok := f.media[ref]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrReferenceExpired, ref)
	}
	return asset, nil
}

func (f *FakeProvider) DeleteRecording(_ context.Context, recordingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++
	if err := pop(&f.deleteErrs); err != nil {
		return err
	}
	if _, ok := f.recordings[recordingID]; !ok || f.deleted[recordingID] {
		return fmt.Errorf("%w: %s", ErrNotFound, recordingID)
	}
	f.deleted[recordingID] = true
	return nil
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
