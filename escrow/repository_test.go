package escrow

import "testing"

func TestFilter_SearchEscapesWildcards(t *testing.T) {
	w := Filter{Search: "50%", ParticipantID: 10}.where()
	want := " WHERE (t.buyer_id = $1 OR t.seller_id = $2) AND (l.title ILIKE $3 OR b.name ILIKE $4 OR s.name ILIKE $5)"
	if w.SQL() != want {
		t.Fatalf("unexpected where clause:\n got %q\nwant %q", w.SQL(), want)
	}
	if args := w.Args(); len(args) != 5 || args[2] != `%50\%%` {
		t.Fatalf("expected escaped search pattern, got %v", args)
	}
}
