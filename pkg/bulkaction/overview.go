package bulkaction

// Overview is the external snapshot of a bulk action.
type Overview struct {
	ID          string          `json:"id"`
	DatabaseID  string          `json:"databaseId"`
	Duration    int64           `json:"duration"`
	Type        Type            `json:"type"`
	Status      Status          `json:"status"`
	Filter      FilterOverview  `json:"filter"`
	Progress    ProgressView    `json:"progress"`
	Summary     SummaryOverview `json:"summary"`
	DownloadURL string          `json:"downloadUrl,omitempty"`
	Error       string          `json:"error,omitempty"`
	FileName    string          `json:"fileName,omitempty"`
}

// FilterOverview is the filter as shown to clients. Type is null when the
// action is not restricted to one data type.
type FilterOverview struct {
	Type  *string `json:"type"`
	Match string  `json:"match"`
	Count int     `json:"count"`
}

// ProgressView is the progress as shown to clients.
type ProgressView struct {
	Scanned int64  `json:"scanned"`
	Total   *int64 `json:"total"`
}

// SummaryOverview is the summary as shown to clients. Errors holds at most
// the most recent OverviewErrorLimit entries.
type SummaryOverview struct {
	Processed int64      `json:"processed"`
	Succeed   int64      `json:"succeed"`
	Failed    int64      `json:"failed"`
	Errors    []KeyError `json:"errors"`
}

// Overview returns a consistent snapshot of the action.
func (a *BulkAction) Overview() Overview {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var keyType *string
	if a.filter.Type != "" {
		t := a.filter.Type.String()
		keyType = &t
	}

	var total *int64
	if a.progress.Total != nil {
		n := *a.progress.Total
		total = &n
	}

	errs := a.summary.Errors
	if len(errs) > a.errorLimit {
		errs = errs[len(errs)-a.errorLimit:]
	}

	return Overview{
		ID:         a.id,
		DatabaseID: a.databaseID,
		Duration:   a.durationLocked().Milliseconds(),
		Type:       a.typ,
		Status:     a.status,
		Filter: FilterOverview{
			Type:  keyType,
			Match: a.filter.Match,
			Count: a.filter.Count,
		},
		Progress: ProgressView{
			Scanned: a.progress.Scanned,
			Total:   total,
		},
		Summary: SummaryOverview{
			Processed: a.summary.Processed,
			Succeed:   a.summary.Succeed,
			Failed:    a.summary.Failed,
			Errors:    append(make([]KeyError, 0, len(errs)), errs...),
		},
		DownloadURL: a.downloadURL,
		Error:       a.lastError,
		FileName:    a.fileName,
	}
}
