// Package watcher turns changes under a document repository into debounced
// batches of typed events.
//
// fsnotify is the primary mechanism; a polling scanner is the fallback for
// filesystems where it cannot be initialised or runs out of watches. When
// fsnotify reports an overflow a single OpRescan event stands in for the
// lost ones. Only container files, cloud
// placeholder stubs, download partials and the repository config file are
// reported. Everything else, including hidden directories and in-flight
// temp files, is filtered out before debouncing.
//
// Usage:
//
//	w, err := watcher.NewHybridWatcher(watcher.DefaultOptions(), logger)
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	if err := w.Start(ctx, root); err != nil {
//	    return err
//	}
//
//	for batch := range w.Events() {
//	    for _, ev := range batch {
//	        // ev.Path names the document, whatever Kind of file changed
//	    }
//	}
package watcher
