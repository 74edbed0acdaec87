package pet

import "testing"

func TestSuperblockListDiscipline(t *testing.T) {
	p1 := newTestPage(t)
	p2 := newTestPage(t)
	p3 := newTestPage(t)

	const slot = 5

	addToSuperblockEntry(p1, slot)

	if superblock[slot] != p1 {
		t.Fatalf("expected slot %d to head p1", slot)
	}
	if p1.next != p1 || p1.prev != p1 {
		t.Fatal("expected a singleton list to link the page to itself")
	}
	if exp, got := uintptr(slot), p1.list; got != exp {
		t.Fatalf("expected p1 to record slot %d; got %d", exp, got)
	}

	// new pages are appended at the logical tail, before the head
	addToSuperblockEntry(p2, slot)
	addToSuperblockEntry(p3, slot)

	if superblock[slot] != p1 {
		t.Fatalf("expected slot %d to still head p1", slot)
	}
	if p1.next != p2 || p2.next != p3 || p3.next != p1 {
		t.Fatal("expected forward links p1 -> p2 -> p3 -> p1")
	}
	if p1.prev != p3 || p3.prev != p2 || p2.prev != p1 {
		t.Fatal("expected back links p1 <- p2 <- p3 <- p1")
	}

	// removing the head advances the slot to the next page
	lock.Lock()
	deleteFromList(p1)
	lock.Unlock()

	if superblock[slot] != p2 {
		t.Fatalf("expected slot %d to advance to p2", slot)
	}
	if p2.next != p3 || p3.next != p2 || p2.prev != p3 || p3.prev != p2 {
		t.Fatal("expected p2 and p3 to form a two-page cycle")
	}
	if p1.list != noList {
		t.Error("expected the removed page to record no list")
	}

	// removing a non-head member must not disturb the slot
	lock.Lock()
	deleteFromList(p3)
	lock.Unlock()

	if superblock[slot] != p2 {
		t.Fatalf("expected slot %d to still head p2", slot)
	}
	if p2.next != p2 || p2.prev != p2 {
		t.Fatal("expected p2 to be a singleton again")
	}

	// removing the sole member empties the slot
	lock.Lock()
	deleteFromList(p2)
	lock.Unlock()

	if superblock[slot] != nil {
		t.Fatalf("expected slot %d to be empty", slot)
	}
}

func TestFindAvailablePage(t *testing.T) {
	ensureInit()

	if page := Pet.findAvailablePage(1); page != nil {
		t.Fatalf("expected an empty superblock to yield no page; got %#x", page.base())
	}

	p1 := newTestPage(t)
	addToSuperblockEntry(p1, 10)

	// a request larger than the indexed run must not find the page
	if page := Pet.findAvailablePage(11); page != nil {
		t.Errorf("expected no page for an 11-unit request; got %#x", page.base())
	}

	// a smaller request finds the page in the first non-empty slot at or
	// above its unit count, detached from its list
	page := Pet.findAvailablePage(3)
	if page != p1 {
		t.Fatal("expected the 3-unit request to find p1")
	}
	if superblock[10] != nil {
		t.Error("expected the found page to be detached from its slot")
	}
	if page.list != noList {
		t.Error("expected the found page to record no list")
	}
}

func TestGrabSuperblockPage(t *testing.T) {
	p1 := newTestPage(t)

	addToSuperblockEntry(p1, 7)
	if exp, got := uint(7), grabSuperblockPage(p1); got != exp {
		t.Fatalf("expected grab to report previous slot %d; got %d", exp, got)
	}
	if superblock[7] != nil {
		t.Fatal("expected slot 7 to be empty after the grab")
	}

	// re-linking under a new slot moves the page
	addToSuperblockEntry(p1, 9)
	if superblock[9] != p1 {
		t.Fatal("expected slot 9 to head the re-linked page")
	}
	if exp, got := uint(9), grabSuperblockPage(p1); got != exp {
		t.Fatalf("expected grab to report previous slot %d; got %d", exp, got)
	}
}
