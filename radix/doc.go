// Package radix implements a GPU hierarchical exclusive prefix sum and a
// stable least-significant-digit radix sort on top of gpusort.
//
// # Scan
//
// [Scanner] computes an exclusive prefix sum of up to its capacity u32
// values. Arrays larger than one workgroup (256 elements) are scanned as a
// pyramid: each level is scanned block-wise, block totals form the next
// level, and after the single-block top level the carries are added back
// down. All levels live in one scratch array; see [Levels].
//
// # Sort
//
// [Sorter] sorts key/value [Record]s by the low keyBits bits of the key,
// 8 bits per pass. Each pass counts digits per block (digit-major layout),
// scans the counts, scatters records stably into an output buffer and
// copies them back. Records with equal keys keep their input order.
//
//	s, err := radix.NewSorter(e, 1_000_000)
//	if err != nil {
//	    return err
//	}
//	err = s.Sort(ctx, records, 30)
package radix
