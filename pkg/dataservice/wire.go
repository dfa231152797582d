package dataservice

import (
	"encoding/json"
	"time"
)

// Wire forms use unix milliseconds, as the presentation layer expects.

type collectionJSON struct {
	Count     int   `json:"count"`
	Timestamp int64 `json:"timestamp"`
}

type newDataStatusJSON struct {
	HasNewData     bool            `json:"hasNewData"`
	LastCheck      int64           `json:"lastCheck"`
	LastCollection *collectionJSON `json:"lastCollection"`
}

func (c Collection) MarshalJSON() ([]byte, error) {
	return json.Marshal(collectionJSON{Count: c.Count, Timestamp: c.Timestamp.UnixMilli()})
}

func (c *Collection) UnmarshalJSON(data []byte) error {
	var w collectionJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Count = w.Count
	c.Timestamp = time.UnixMilli(w.Timestamp)
	return nil
}

func (s NewDataStatus) MarshalJSON() ([]byte, error) {
	w := newDataStatusJSON{HasNewData: s.HasNewData, LastCheck: s.LastCheck.UnixMilli()}
	if s.LastCollection != nil {
		w.LastCollection = &collectionJSON{Count: s.LastCollection.Count, Timestamp: s.LastCollection.Timestamp.UnixMilli()}
	}
	return json.Marshal(w)
}

func (s *NewDataStatus) UnmarshalJSON(data []byte) error {
	var w newDataStatusJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.HasNewData = w.HasNewData
	s.LastCheck = time.UnixMilli(w.LastCheck)
	s.LastCollection = nil
	if w.LastCollection != nil {
		s.LastCollection = &Collection{Count: w.LastCollection.Count, Timestamp: time.UnixMilli(w.LastCollection.Timestamp)}
	}
	return nil
}
