// Package ocflsync pulls versions of OCFL objects from a remote into a local
// directory, downloading only content the directory does not already hold.
//
// Content is matched by digest, not by name. A pull fetches the remote
// version state and indexes the local root concurrently, plans one item per
// remote digest, then streams each missing digest once and fans it out to
// every logical path that declares it. Files are written to temp names and
// renamed into place after their digest was verified.
//
// Pulling from a chaparral server:
//
//	r, _ := ocflsync.NewHTTPRemote("https://chaparral.example.org",
//	    ocflsync.WithToken(os.Getenv("CHAPARRAL_TOKEN")))
//	p, _ := ocflsync.NewPuller(r, ocflsync.WithConcurrency(8))
//
//	report, err := p.Pull(ctx, "./book", ocflsync.ObjectRef{
//	    StorageRootID: "main",
//	    ID:            "ark:/12345/book",
//	}, 0) // 0 selects the head version
//	if err != nil {
//	    // remote unreachable, version missing, local root unreadable ...
//	}
//	for _, o := range report.Failed() {
//	    fmt.Println(o.Digest, o.Destinations, o.Err)
//	}
//
// Objects mirrored to an OCI registry are read with NewOCIRemote, and
// explicit versions can be served from disk with NewCachingFetcher.
//
// The building blocks are usable on their own:
//
//	idx, _ := ocflsync.BuildLocalIndex(ctx, "./book", ocflsync.SHA512)
//	plan, _ := ocflsync.Plan(idx, state)
//	res, _ := ocflsync.WriteStream(ctx, blob, "./book", []string{"a.txt", "copy/a.txt"})
package ocflsync
