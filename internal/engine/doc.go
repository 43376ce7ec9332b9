// Package engine executes admitted jobs. A fixed pool of workers takes job
// ids from a bounded queue, moves each job from queued to running, calls the
// routed provider under an overall timeout with a bounded number of retries,
// and records the terminal state with a compare-and-set so that no two
// workers can both finish the same job. A cron-driven Sweeper fails jobs
// left running by a lost worker and requeues stale queued jobs.
package engine
