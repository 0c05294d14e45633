// Package queue orders processing jobs by priority, then by creation time.
package queue

import (
	"container/heap"

	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

// Queue is a priority queue of processing jobs keyed by video id. A video is
// queued at most once. Queue is not safe for concurrent use; the worker owns it.
type Queue struct {
	items jobHeap
	index map[string]*item
	seq   uint64
}

type item struct {
	job *models.ProcessingJob
	seq uint64
	pos int
}

// New creates an empty queue
func New() *Queue {
	return &Queue{index: make(map[string]*item)}
}

// Enqueue adds job. It returns false if the video is already queued.
func (q *Queue) Enqueue(job *models.ProcessingJob) bool {
	if _, ok := q.index[job.VideoID]; ok {
		return false
	}
	q.seq++
	it := &item{job: job, seq: q.seq}
	heap.Push(&q.items, it)
	q.index[job.VideoID] = it
	return true
}

// DequeueNext removes and returns the job that sorts first, or nil when empty
func (q *Queue) DequeueNext() *models.ProcessingJob {
	if len(q.items) == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.index, it.job.VideoID)
	return it.job
}

// Peek returns the job DequeueNext would return without removing it
func (q *Queue) Peek() *models.ProcessingJob {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].job
}

// Remove drops the queued job for videoID. It is a no-op if the video is not
// queued and reports whether anything was removed.
func (q *Queue) Remove(videoID string) (*models.ProcessingJob, bool) {
	it, ok := q.index[videoID]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.items, it.pos)
	delete(q.index, videoID)
	return it.job, true
}

// Contains reports whether videoID is queued
func (q *Queue) Contains(videoID string) bool {
	_, ok := q.index[videoID]
	return ok
}

// Len returns the number of queued jobs
func (q *Queue) Len() int {
	return len(q.items)
}

// jobHeap implements heap.Interface ordered by (priority, createdAt, seq)
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if ra, rb := a.job.Priority.Rank(), b.job.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.pos = -1
	*h = old[:n-1]
	return it
}
