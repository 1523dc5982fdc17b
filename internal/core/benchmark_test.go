package core

import (
	"context"
	"io"
	"testing"

	"github.com/JonMunkholm/cellvault/internal/logging"
	"github.com/JonMunkholm/cellvault/internal/workbook"
)

// BenchmarkService_SetCell measures one edit through the service lock, the
// event bus, the change tracker, the dirty flag and the audit store.
func BenchmarkService_SetCell(b *testing.B) {
	svc, err := NewService(testConfig(b.TempDir()), WithLogger(logging.Discard()), WithAuditStore(NewMemoryAuditStore(64)))
	if err != nil {
		b.Fatal(err)
	}
	defer svc.Close(context.Background())

	ctx := context.Background()
	v := workbook.Int(7)
	in := CellInput{Value: &v}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := svc.SetCell(ctx, "Sheet1", i%1000, i%26, in); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkService_ExportXLSX measures export of a 100x20 sheet.
func BenchmarkService_ExportXLSX(b *testing.B) {
	svc, err := NewService(testConfig(b.TempDir()), WithLogger(logging.Discard()))
	if err != nil {
		b.Fatal(err)
	}
	defer svc.Close(context.Background())

	ctx := context.Background()
	for r := 0; r < 100; r++ {
		for c := 0; c < 20; c++ {
			v := workbook.Float(float64(r*c) + 0.5)
			if _, err := svc.SetCell(ctx, "Sheet1", r, c, CellInput{Value: &v}); err != nil {
				b.Fatal(err)
			}
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := svc.ExportXLSX(ctx, io.Discard); err != nil {
			b.Fatal(err)
		}
	}
}
