/*
Package dbtest starts throwaway database containers for integration tests of
the history stores.

Tests that need a container call a Setup function, which skips them in short
mode and tears the container down when they complete. To look around a
database after a failing test, keep its container alive with:

	go test -run TestStore -dbtest.inspect ./history/...

and press Ctrl+C once done.
*/
package dbtest
