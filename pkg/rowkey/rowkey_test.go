package rowkey

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := Encode("public", "orders", []string{"id"}, []any{42})
	schema, table, pk, err := Decode(h)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if schema != "public" || table != "orders" {
		t.Fatalf("got %s.%s, want public.orders", schema, table)
	}
	if pk["id"] != "42" {
		t.Fatalf("got pk %v, want id=42", pk)
	}
}

func TestDecodeRejectsMalformedHandle(t *testing.T) {
	if _, _, _, err := Decode("not-valid-base64!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestEncodeCompositeKey(t *testing.T) {
	h := Encode("public", "order_items", []string{"order_id", "sku"}, []any{7, "widget-1"})
	_, _, pk, err := Decode(h)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pk["order_id"] != "7" || pk["sku"] != "widget-1" {
		t.Fatalf("got %v", pk)
	}
}
