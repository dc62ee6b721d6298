/*
Package interp manages a running R interpreter child process: its stdin writer, and the two background readers that drain stdout and stderr line-by-line into queues.

Each queue has exactly one writer (the reader goroutine for its stream) and one reader (the bridge's call path). Queues are unbounded so a chatty interpreter can never be backpressured into a deadlock with a caller that is waiting for stdin to be consumed.
*/
package interp
