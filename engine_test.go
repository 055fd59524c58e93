package efsvault

import (
	"context"
	"os"
	"testing"

	"github.com/absfs/memfs"
)

func testFastParams() KDFParams {
	// Argon2id at these sizes would make the whole suite slow; tests use a
	// tiny cost so the KDF itself isn't what's under test.
	return KDFParams{TimeCost: 1, MemoryCostKiB: 64, Parallelism: 1}
}

func newTestRepo(t *testing.T) (fs *memfs.FileSystem, passphrase string) {
	t.Helper()
	mfs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS: %v", err)
	}
	if err := Init(mfs, "correct horse battery staple", testFastParams(), false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return mfs, "correct horse battery staple"
}

func TestInit_RejectsExistingWithoutOverwrite(t *testing.T) {
	mfs, _ := newTestRepo(t)
	err := Init(mfs, "another passphrase", testFastParams(), false)
	if !IsAlreadyExists(err) {
		t.Fatalf("Init over existing catalog: got %v, want AlreadyExists", err)
	}
	if err := Init(mfs, "another passphrase", testFastParams(), true); err != nil {
		t.Fatalf("Init with overwrite: %v", err)
	}
}

func TestUnlock_WrongPassphraseFails(t *testing.T) {
	mfs, _ := newTestRepo(t)
	_, err := Unlock(mfs, "wrong passphrase")
	if !IsAuthenticationFailure(err) {
		t.Fatalf("Unlock with wrong passphrase: got %v, want AuthenticationFailure", err)
	}
}

func TestAddExtractRoundTrip(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer sess.Close()

	data := []byte("the quick brown fox jumps over the lazy dog")
	entry, err := sess.Add(AddInput{Name: "fox.txt", Data: data})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if entry.RelPath != "fox.txt" {
		t.Fatalf("RelPath = %q, want %q", entry.RelPath, "fox.txt")
	}
	if entry.Size != int64(len(data)) {
		t.Fatalf("Size = %d, want %d", entry.Size, len(data))
	}

	got, err := sess.Extract(entry.ID)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Extract roundtrip mismatch: got %q, want %q", got, data)
	}
}

func TestAddExtractRoundTrip_EmptyFile(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer sess.Close()

	entry, err := sess.Add(AddInput{Name: "empty.bin", Data: []byte{}})
	if err != nil {
		t.Fatalf("Add empty file: %v", err)
	}
	got, err := sess.Extract(entry.ID)
	if err != nil {
		t.Fatalf("Extract empty file: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Extract empty file: got %d bytes, want 0", len(got))
	}
}

func TestAcrossUnlocks(t *testing.T) {
	mfs, pass := newTestRepo(t)

	id := func() string {
		sess, err := Unlock(mfs, pass)
		if err != nil {
			t.Fatalf("Unlock: %v", err)
		}
		defer sess.Close()
		entry, err := sess.Add(AddInput{Name: "a.txt", Data: []byte("hello")})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		return entry.ID
	}()

	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("second Unlock: %v", err)
	}
	defer sess.Close()

	got, err := sess.Extract(id)
	if err != nil {
		t.Fatalf("Extract after reopening vault: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Extract after reopening vault: got %q", got)
	}
}

func TestUpdate_PreservesCreatedAt(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer sess.Close()

	entry, err := sess.Add(AddInput{Name: "doc.txt", Data: []byte("v1")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	updated, err := sess.Update(entry.ID, []byte("v2, longer content"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.CreatedAt != entry.CreatedAt {
		t.Fatalf("Update changed CreatedAt: got %q, want %q", updated.CreatedAt, entry.CreatedAt)
	}
	if updated.Size != int64(len("v2, longer content")) {
		t.Fatalf("Update Size = %d, want %d", updated.Size, len("v2, longer content"))
	}

	got, err := sess.Extract(entry.ID)
	if err != nil {
		t.Fatalf("Extract after update: %v", err)
	}
	if string(got) != "v2, longer content" {
		t.Fatalf("Extract after update: got %q", got)
	}
}

func TestRename_LeavesBlobAndRelPathUntouched(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer sess.Close()

	entry, err := sess.Add(AddInput{Name: "old.txt", Data: []byte("data")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	renamed, err := sess.Rename(entry.ID, "new.txt")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if renamed.Name != "new.txt" {
		t.Fatalf("Name = %q, want %q", renamed.Name, "new.txt")
	}
	if renamed.RelPath != entry.RelPath {
		t.Fatalf("RelPath changed on rename: got %q, want %q", renamed.RelPath, entry.RelPath)
	}
	if renamed.Blob != entry.Blob {
		t.Fatalf("Blob changed on rename: got %q, want %q", renamed.Blob, entry.Blob)
	}
}

func TestRemove_DeletesEntryAndBlob(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer sess.Close()

	entry, err := sess.Add(AddInput{Name: "gone.txt", Data: []byte("x")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sess.Remove(entry.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := sess.Extract(entry.ID); !IsNotFound(err) {
		t.Fatalf("Extract after Remove: got %v, want NotFound", err)
	}
	if _, err := mfs.Stat(blobPath(entry.ID)); err == nil {
		t.Fatalf("blob file still present after Remove")
	}
}

func TestRemove_UnknownIDIsNotFound(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer sess.Close()

	if err := sess.Remove("does-not-exist"); !IsNotFound(err) {
		t.Fatalf("Remove unknown id: got %v, want NotFound", err)
	}
}

func TestRotateMaster_PreservesContentAndChangesPassphrase(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	entries := make([]FileEntry, 3)
	for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
		e, err := sess.Add(AddInput{Name: name, Data: []byte(name + "-content")})
		if err != nil {
			t.Fatalf("Add %s: %v", name, err)
		}
		entries[i] = e
	}

	newPass := "a brand new passphrase"
	if err := sess.RotateMaster(RotateOptions{NewPassphrase: &newPass}); err != nil {
		t.Fatalf("RotateMaster: %v", err)
	}
	sess.Close()

	if _, err := Unlock(mfs, pass); !IsAuthenticationFailure(err) {
		t.Fatalf("Unlock with old passphrase after rotate: got %v, want AuthenticationFailure", err)
	}

	sess2, err := Unlock(mfs, newPass)
	if err != nil {
		t.Fatalf("Unlock with new passphrase after rotate: %v", err)
	}
	defer sess2.Close()

	for _, e := range entries {
		got, err := sess2.Extract(e.ID)
		if err != nil {
			t.Fatalf("Extract %s after rotate: %v", e.Name, err)
		}
		if string(got) != e.Name+"-content" {
			t.Fatalf("Extract %s after rotate: got %q", e.Name, got)
		}
	}
}

func TestRotateMaster_KeepsCurrentPassphraseWhenNilGiven(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	entry, err := sess.Add(AddInput{Name: "salt-only.txt", Data: []byte("rotate salt, keep passphrase")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Rotating with a nil NewPassphrase should draw a fresh salt and
	// rewrap every key, but the vault must still open under the same
	// passphrase afterwards.
	if err := sess.RotateMaster(RotateOptions{}); err != nil {
		t.Fatalf("RotateMaster: %v", err)
	}
	sess.Close()

	sess2, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock with original passphrase after salt-only rotate: %v", err)
	}
	defer sess2.Close()

	got, err := sess2.Extract(entry.ID)
	if err != nil {
		t.Fatalf("Extract after salt-only rotate: %v", err)
	}
	if string(got) != "rotate salt, keep passphrase" {
		t.Fatalf("Extract after salt-only rotate: got %q", got)
	}
}

func TestCorruptedCatalogHeaderIsRejected(t *testing.T) {
	mfs, _ := newTestRepo(t)

	f, err := mfs.OpenFile(catalogFileName, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open vault.enc: %v", err)
	}
	if _, err := f.WriteAt([]byte("XXXX"), 0); err != nil {
		t.Fatalf("corrupt magic: %v", err)
	}
	f.Close()

	_, err = readCatalogFile(mfs)
	if KindOfOrFatal(t, err) != BadMagic {
		t.Fatalf("unpack corrupted magic: got %v, want BadMagic", err)
	}
}

func KindOfOrFatal(t *testing.T, err error) Kind {
	t.Helper()
	k, ok := KindOf(err)
	if !ok {
		t.Fatalf("expected a *VaultError, got %v", err)
	}
	return k
}

func TestCorruptedBlobFailsExtractButNotCatalog(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	entry, err := sess.Add(AddInput{Name: "target.txt", Data: []byte("sensitive")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	sess.Close()

	f, err := mfs.OpenFile(entry.Blob, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xff}, 20); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}
	f.Close()

	sess2, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock after blob corruption: %v", err)
	}
	defer sess2.Close()

	if _, err := sess2.Extract(entry.ID); !IsCorrupt(err) {
		t.Fatalf("Extract corrupted blob: got %v, want a corruption kind", err)
	}
}

func TestNonceUniquenessAcrossAdds(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer sess.Close()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		entry, err := sess.Add(AddInput{Name: "dup.txt", RelPath: "dup/" + string(rune('a'+i)) + ".txt", Data: []byte("same content every time")})
		if err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
		blob, err := readBlob(mfs, entry.ID)
		if err != nil {
			t.Fatalf("readBlob #%d: %v", i, err)
		}
		nonce := string(blob[:nonceSize])
		if seen[nonce] {
			t.Fatalf("duplicate blob nonce observed on add #%d", i)
		}
		seen[nonce] = true
	}
}

func TestGC_FindsOrphanBlobs(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	entry, err := sess.Add(AddInput{Name: "kept.txt", Data: []byte("keep me")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := writeBlob(mfs, "orphan-id", []byte("garbage-but-long-enough")); err != nil {
		t.Fatalf("writeBlob orphan: %v", err)
	}
	sess.Close()

	orphans, err := GC(mfs, pass)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != "orphan-id" {
		t.Fatalf("GC orphans = %v, want [orphan-id]", orphans)
	}
	if orphans[0] == entry.ID {
		t.Fatalf("GC incorrectly flagged a referenced blob")
	}
}

func TestVerifyAll_ReportsExtractFailures(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	if _, err := sess.Add(AddInput{Name: "good.txt", Data: []byte("fine")}); err != nil {
		t.Fatalf("Add good: %v", err)
	}
	bad, err := sess.Add(AddInput{Name: "bad.txt", Data: []byte("will be corrupted")})
	if err != nil {
		t.Fatalf("Add bad: %v", err)
	}
	sess.Close()

	if err := deleteBlob(mfs, bad.ID); err != nil {
		t.Fatalf("deleteBlob: %v", err)
	}

	failed, err := VerifyAll(mfs, pass)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if len(failed) != 1 || failed[0] != bad.ID {
		t.Fatalf("VerifyAll failed = %v, want [%s]", failed, bad.ID)
	}
}

func TestBulkAdd_SingleCatalogCommit(t *testing.T) {
	mfs, pass := newTestRepo(t)

	items := make([]AddInput, 0, 10)
	for i := 0; i < 10; i++ {
		items = append(items, AddInput{Name: "f" + string(rune('0'+i)) + ".txt", Data: []byte("payload")})
	}

	results, err := BulkAdd(context.Background(), mfs, pass, items, BulkOptions{MinItemsForParallel: 2})
	if err != nil {
		t.Fatalf("BulkAdd: %v", err)
	}
	if len(results) != len(items) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(items))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result[%d] error: %v", i, r.Err)
		}
	}

	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock after BulkAdd: %v", err)
	}
	defer sess.Close()
	if len(sess.List()) != len(items) {
		t.Fatalf("catalog has %d entries, want %d", len(sess.List()), len(items))
	}
}

func TestBulkAdd_CancelledBatchDoesNotCommit(t *testing.T) {
	mfs, pass := newTestRepo(t)

	items := make([]AddInput, 0, 10)
	for i := 0; i < 10; i++ {
		items = append(items, AddInput{Name: "f" + string(rune('0'+i)) + ".txt", Data: []byte("payload")})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := BulkAdd(ctx, mfs, pass, items, BulkOptions{MinItemsForParallel: 2})
	if err == nil {
		t.Fatalf("BulkAdd on a cancelled context: want an error, got nil")
	}
	if len(results) != len(items) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(items))
	}

	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock after cancelled BulkAdd: %v", err)
	}
	defer sess.Close()
	if len(sess.List()) != 0 {
		t.Fatalf("catalog has %d entries after a cancelled batch, want 0 (no commit)", len(sess.List()))
	}
}

func TestBulkRemove_UnknownIDDoesNotBlockOthers(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	e1, err := sess.Add(AddInput{Name: "one.txt", Data: []byte("1")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	e2, err := sess.Add(AddInput{Name: "two.txt", Data: []byte("2")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	sess.Close()

	results, err := BulkRemove(context.Background(), mfs, pass, []string{e1.ID, "nope", e2.ID}, BulkOptions{})
	if err != nil {
		t.Fatalf("BulkRemove: %v", err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("expected known ids to succeed: %+v", results)
	}
	if !IsNotFound(results[1].Err) {
		t.Fatalf("expected NotFound for unknown id, got %v", results[1].Err)
	}

	sess2, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock after BulkRemove: %v", err)
	}
	defer sess2.Close()
	if len(sess2.List()) != 0 {
		t.Fatalf("catalog still has entries after BulkRemove: %v", sess2.List())
	}
}

func TestBuildTree_GroupsByDirectory(t *testing.T) {
	files := []FileEntry{
		{ID: "1", Name: "readme.md", RelPath: "readme.md"},
		{ID: "2", Name: "index.html", RelPath: "webapp/index.html"},
		{ID: "3", Name: "logo.png", RelPath: "webapp/assets/logo.png"},
	}
	root := BuildTree(files)
	if len(root.Children) != 2 {
		t.Fatalf("root has %d children, want 2 (readme.md, webapp)", len(root.Children))
	}

	var webapp *TreeNode
	for _, c := range root.Children {
		if c.Name == "webapp" {
			webapp = c
		}
	}
	if webapp == nil {
		t.Fatalf("webapp directory not found in tree")
	}
	if len(webapp.Children) != 2 {
		t.Fatalf("webapp has %d children, want 2 (index.html, assets)", len(webapp.Children))
	}
}

func TestAdd_RejectsInteriorDotDotEvenAfterCleaning(t *testing.T) {
	mfs, pass := newTestRepo(t)
	sess, err := Unlock(mfs, pass)
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer sess.Close()

	// "a/../b" cleans down to "b", which would otherwise slip past a
	// check performed on the cleaned path; it must still be rejected
	// since the raw relpath carries a ".." component.
	_, err = sess.Add(AddInput{Name: "b", RelPath: "a/../b", Data: []byte("x")})
	if !IsCorrupt(err) {
		t.Fatalf("Add with interior \"..\": got %v, want a corruption kind", err)
	}
}
