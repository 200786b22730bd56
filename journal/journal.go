// Copyright (c) 2024 The Docserve Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package journal

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/docserve/docserve/config"
)

// This is the docserve task journal, which logs every task that reaches a
// terminal status. The journal is an audit trail: task records outlive the
// orchestrator's in-memory tracking and any TTL-bounded projection.

// a record storing all information retained for a finished task
type Record struct {
	// identifier of the task
	Id string `json:"id"`
	// the kind of work performed ("convert" or "chunk")
	Type string `json:"type"`
	// terminal status ("success" or "failure")
	Status string `json:"status"`
	// document-processing counters at completion
	NumDocs      int `json:"num_docs"`
	NumSucceeded int `json:"num_succeeded"`
	NumFailed    int `json:"num_failed"`
	// times at which the task was submitted and at which it completed
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
	// failure reason (empty on success)
	ErrorMessage string `json:"error_message,omitempty"`
}

// initializes the task journal
func Init() error {
	if !IsOpen() {
		go taskJournalProcess()
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// saves and closes the task journal (if it's been opened)
func Finalize() error {
	if IsOpen() {
		channels_.Input.Shutdown <- struct{}{}
		closeChannels()
	}
	return nil
}

// returns true if the journal is open for writing, false if not
func IsOpen() bool {
	if channels_.Open { // has Init() been called?
		channels_.Input.CheckIfOpen <- struct{}{}
		select {
		case isOpen := <-channels_.Output.IsOpen:
			return isOpen
		case <-time.After(1 * time.Second): // after a second, we assume the goroutine has crashed
			closeChannels()
			return false
		}
	}
	return false
}

// records a task that has reached a terminal status
func RecordTask(record Record) error {
	switch record.Status {
	case "success", "failure":
		// pass-through (see below)
	default:
		return &NewRecordError{
			Id:      record.Id,
			Message: "Task has not reached a terminal status: " + record.Status,
		}
	}

	if !IsOpen() {
		return &NotOpenError{}
	}

	channels_.Input.CreateRecord <- record
	return <-channels_.Output.Error
}

// retrieves records for tasks that finished within the time range with the
// given (inclusive) bounds
func Records(start, stop time.Time) ([]Record, error) {
	if !IsOpen() {
		return nil, &NotOpenError{}
	}
	channels_.Input.FetchRecords <- TimeRange{Start: start, Stop: stop}
	var records []Record
	var err error
	select {
	case records = <-channels_.Output.Records:
		return records, err
	case err = <-channels_.Output.Error:
		return records, err
	}
}

//-----------
// Internals
//-----------

// The task journal gets its own goroutine so it doesn't bring down the
// entire service if it crashes. Here we define "input" channels (main
// process -> goroutine) and "output" channels (goroutine -> main process)
// for passing data back and forth

type TimeRange struct {
	Start, Stop time.Time
}

var channels_ struct {
	Open  bool // true if channels are open, false if not
	Input struct {
		CreateRecord chan Record    // for creating new records
		CheckIfOpen  chan struct{}  // for checking to see whether the database is open
		FetchRecords chan TimeRange // for fetching records within a time range
		Shutdown     chan struct{}  // for shutting down the database
	}

	Output struct {
		Records chan []Record // for returning records
		Error   chan error    // for returning errors
		IsOpen  chan bool     // for answering queries about whether the database is open
	}
}

func taskJournalProcess() {

	// open the database, creating the schema if necessary
	dbPath := filepath.Join(config.Service.DataDirectory, "task_journal.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		channels_.Output.Error <- &CantOpenError{
			Message: err.Error(),
		}
	}

	// set up a bucket for task records
	db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("tasks"))
		return err
	})

	openChannels()

	// handle requests
	running := true
	for running {
		select {

		case <-channels_.Input.CheckIfOpen:
			channels_.Output.IsOpen <- true // always true if this goroutine is running!

		case record := <-channels_.Input.CreateRecord:
			err := createRecord(db, record)
			channels_.Output.Error <- err

		case timeRange := <-channels_.Input.FetchRecords:
			records, err := fetchRecords(db, timeRange.Start, timeRange.Stop)
			if err != nil {
				channels_.Output.Error <- err
			} else {
				channels_.Output.Records <- records
			}

		case <-channels_.Input.Shutdown:
			err := db.Close()
			if err != nil {
				channels_.Output.Error <- &CantCloseError{
					Message: err.Error(),
				}
			}
			running = false
		}
	}
}

func openChannels() {
	channels_.Open = true
	channels_.Input.CreateRecord = make(chan Record)
	channels_.Input.CheckIfOpen = make(chan struct{})
	channels_.Input.FetchRecords = make(chan TimeRange)
	channels_.Input.Shutdown = make(chan struct{})
	channels_.Output.Records = make(chan []Record)
	channels_.Output.Error = make(chan error)
	channels_.Output.IsOpen = make(chan bool)
}

func closeChannels() {
	channels_.Open = false
	close(channels_.Input.CreateRecord)
	close(channels_.Input.CheckIfOpen)
	close(channels_.Input.FetchRecords)
	close(channels_.Input.Shutdown)
	close(channels_.Output.Records)
	close(channels_.Output.Error)
	close(channels_.Output.IsOpen)
}

func createRecord(db *bolt.DB, record Record) error {
	// records are indexed by finish time; the task id breaks ties between
	// tasks finishing in the same nanosecond
	key := record.FinishedAt.Format(time.RFC3339Nano) + "-" + record.Id

	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	bucket := tx.Bucket([]byte("tasks"))
	jsonBytes, err := json.Marshal(&record)
	if err != nil {
		return &NewRecordError{Id: record.Id, Message: err.Error()}
	}
	if err = bucket.Put([]byte(key), jsonBytes); err != nil {
		return err
	}

	return tx.Commit()
}

func fetchRecords(db *bolt.DB, start, stop time.Time) ([]Record, error) {
	records := make([]Record, 0)
	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("tasks")).Cursor()

		startTime := []byte(start.Format(time.RFC3339Nano))
		stopTime := []byte(stop.Add(time.Second).Format(time.RFC3339Nano))

		for k, v := c.Seek(startTime); k != nil && bytes.Compare(k, stopTime) <= 0; k, v = c.Next() {
			var record Record
			err := json.Unmarshal(v, &record)
			if err != nil {
				return &InvalidRecordError{Id: string(k), Message: err.Error()}
			}
			records = append(records, record)
		}
		return nil
	})

	return records, err
}
