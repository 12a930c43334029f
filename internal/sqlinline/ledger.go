package sqlinline

// QReserveTokens takes the flat enqueue-time reservation. The debit is
// guarded: no row comes back when the balance is below the requested amount
// (or the account does not exist), and nothing is deducted.
const QReserveTokens = `--sql d891eff3-6bd3-4bfd-a236-c9bb86c89ab6
update accounts
set tokens_remaining = tokens_remaining - $2::bigint,
    tokens_used      = tokens_used + $2::bigint,
    updated_at       = now()
where owner_id = $1::uuid
  and tokens_remaining >= $2::bigint
returning tokens_remaining, tokens_used;
`

// QAdjustTokens settles a signed delta against one account under a row lock.
// A positive delta is a charge clamped to the available balance (partial
// charge allowed); a negative delta is a refund floored so tokens_used never
// goes negative. The applied column reports the signed amount that actually
// moved, which keeps the remaining/used pair a closed system.
const QAdjustTokens = `--sql d0d3e994-9dc0-48c0-a796-e6786d1ab35a
with locked as (
    select owner_id, tokens_remaining, tokens_used
    from accounts
    where owner_id = $1::uuid
    for update
),
delta as (
    select case
        when $2::bigint >= 0 then least($2::bigint, (select tokens_remaining from locked))
        else -least(-$2::bigint, (select tokens_used from locked))
    end as applied
),
updated as (
    update accounts a
    set tokens_remaining = l.tokens_remaining - d.applied,
        tokens_used      = l.tokens_used + d.applied,
        updated_at       = now()
    from locked l, delta d
    where a.owner_id = l.owner_id
    returning a.tokens_remaining, a.tokens_used
)
select u.tokens_remaining, u.tokens_used, d.applied
from updated u, delta d;
`

// QTopUpTokens credits purchased tokens, creating the account on first use.
const QTopUpTokens = `--sql 6e0d8109-33fb-49ff-bb22-e69968f7706d
insert into accounts (owner_id, tokens_remaining, tokens_used, created_at, updated_at)
values ($1::uuid, $2::bigint, 0, now(), now())
on conflict (owner_id) do update set
    tokens_remaining = accounts.tokens_remaining + excluded.tokens_remaining,
    updated_at = now()
returning tokens_remaining, tokens_used;
`

const QSelectAccount = `--sql 59296a5e-45db-4e87-a4d5-06278dc322cd
select tokens_remaining, tokens_used
from accounts
where owner_id = $1::uuid
limit 1;
`
